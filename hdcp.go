// SPDX-License-Identifier: MPL-2.0

package wfdcast

import (
	"github.com/rs/zerolog"
)

// HDCPConfig is the content protection pass-through. The handshake
// itself lives in an external library; the engine only forwards the
// negotiated version and port and gates the session on the outcome.
type HDCPConfig struct {
	// Enable performs the handshake toward the sink. Implementations
	// return ErrHdcpKeyMissing when keys are not provisioned.
	Enable func(version string, port int) error
	// Disable tears the protected channel down.
	Disable func()
}

type hdcpControl struct {
	conf    HDCPConfig
	enabled bool
	log     zerolog.Logger
}

func newHDCPControl(conf HDCPConfig, log zerolog.Logger) *hdcpControl {
	return &hdcpControl{conf: conf, log: log}
}

func (h *hdcpControl) Enable(version string, port int) error {
	if h.conf.Enable == nil {
		return nil
	}
	if err := h.conf.Enable(version, port); err != nil {
		h.log.Error().Err(err).Str("version", version).Int("port", port).Msg("hdcp enable failed")
		return err
	}
	h.enabled = true
	h.log.Info().Str("version", version).Int("port", port).Msg("hdcp enabled")
	return nil
}

func (h *hdcpControl) Disable() {
	if !h.enabled {
		return
	}
	h.enabled = false
	if h.conf.Disable != nil {
		h.conf.Disable()
	}
}
