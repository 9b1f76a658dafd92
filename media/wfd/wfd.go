// SPDX-License-Identifier: MPL-2.0

// Package wfd implements the Wi-Fi Display 1.0 parameter text format,
// the CRLF separated "wfd_<key>: <value>" blocks carried in RTSP
// GET_PARAMETER/SET_PARAMETER bodies (content type text/parameters).
package wfd

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Parameter keys from the WFD 1.0 spec plus the vendor extensions the
// engine understands.
const (
	KeyAudioCodecs       = "wfd_audio_codecs"
	KeyVideoFormats      = "wfd_video_formats"
	KeyClientRTPPorts    = "wfd_client_rtp_ports"
	KeyDisplayEDID       = "wfd_display_edid"
	KeyContentProtection = "wfd_content_protection"
	KeyUIBCCapability    = "wfd_uibc_capability"
	KeyUIBCSetting       = "wfd_uibc_setting"
	KeyStandbyResume     = "wfd_standby_resume_capability"
	KeyTriggerMethod     = "wfd_trigger_method"
	KeyPresentationURL   = "wfd_presentation_URL"
	KeyRoute             = "wfd_route"
	KeyStandby           = "wfd_standby"
	KeyIDRRequest        = "wfd_idr_request"

	// Vendor extensions observed on Samsung sinks.
	KeyVndMaxResendNum    = "vnd_sec_max_resend_num"
	KeyVndTransportSwitch = "vnd_sec_transport_switch"
	// T3: periodic audio buffer report used for EOS detection while
	// switching off the TCP data path.
	KeyVndAudioReport = "vnd_sec_audio_report"
)

// Trigger methods for wfd_trigger_method.
const (
	TriggerSetup    = "SETUP"
	TriggerPlay     = "PLAY"
	TriggerPause    = "PAUSE"
	TriggerTeardown = "TEARDOWN"
)

// NoneValue marks an absent capability.
const NoneValue = "none"

// Field is a single "key: value" line. Value may be empty for request
// bodies which list bare keys.
type Field struct {
	Key   string
	Value string
}

// Message is an ordered WFD parameter block. Order is preserved so that
// Marshal(Parse(b)) round-trips byte exact.
type Message struct {
	fields []Field
}

var bufPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// Parse reads a text/parameters body. Lines must be "key: value" or a
// bare "key". Empty lines are tolerated.
func Parse(data []byte) (*Message, error) {
	m := &Message{}
	reader := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(reader)
	reader.Reset()
	reader.Write(data)

	for {
		line, err := nextLine(reader)
		if err != nil {
			if err == io.EOF {
				if line != "" {
					if err := m.parseLine(line); err != nil {
						return nil, err
					}
				}
				return m, nil
			}
			return nil, err
		}
		if line == "" {
			continue
		}
		if err := m.parseLine(line); err != nil {
			return nil, err
		}
	}
}

func (m *Message) parseLine(line string) error {
	ind := strings.Index(line, ":")
	if ind < 0 {
		// Request bodies list bare keys
		key := strings.TrimSpace(line)
		if key == "" {
			return fmt.Errorf("wfd: empty parameter line")
		}
		m.fields = append(m.fields, Field{Key: key})
		return nil
	}
	key := line[:ind]
	if key == "" {
		return fmt.Errorf("wfd: parameter line without key %q", line)
	}
	val := strings.TrimPrefix(line[ind+1:], " ")
	m.fields = append(m.fields, Field{Key: key, Value: val})
	return nil
}

func nextLine(reader *bytes.Buffer) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		return line, err
	}
	n := len(line)
	if n >= 2 && line[n-2] == '\r' {
		return line[:n-2], nil
	}
	return line[:n-1], nil
}

// Marshal writes the block back as CRLF terminated lines.
func (m *Message) Marshal() []byte {
	var sb strings.Builder
	for _, f := range m.fields {
		sb.WriteString(f.Key)
		if f.Value != "" {
			sb.WriteString(": ")
			sb.WriteString(f.Value)
		}
		sb.WriteString("\r\n")
	}
	return []byte(sb.String())
}

// Get returns the value for key and whether the key is present.
func (m *Message) Get(key string) (string, bool) {
	for _, f := range m.fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// Has reports whether key appears in the block, with or without value.
func (m *Message) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Set replaces the value for key or appends a new field.
func (m *Message) Set(key, value string) {
	for i := range m.fields {
		if m.fields[i].Key == key {
			m.fields[i].Value = value
			return
		}
	}
	m.fields = append(m.fields, Field{Key: key, Value: value})
}

// Fields exposes the ordered field list.
func (m *Message) Fields() []Field {
	return m.fields
}

// Keys returns just the key names, for GET_PARAMETER request bodies.
func (m *Message) Keys() []string {
	keys := make([]string, 0, len(m.fields))
	for _, f := range m.fields {
		keys = append(keys, f.Key)
	}
	return keys
}

// NewRequest builds a bare-keys block used as GET_PARAMETER body.
func NewRequest(keys ...string) *Message {
	m := &Message{fields: make([]Field, 0, len(keys))}
	for _, k := range keys {
		m.fields = append(m.fields, Field{Key: k})
	}
	return m
}
