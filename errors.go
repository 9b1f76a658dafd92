// SPDX-License-Identifier: MPL-2.0

package wfdcast

import "errors"

// Protocol violations close the session with a specific reason.
var (
	ErrMissingRequiredMethod = errors.New("wfdcast: sink does not support a required RTSP method")
	ErrUnexpectedState       = errors.New("wfdcast: request not valid in current state")
	ErrNegotiationMismatch   = errors.New("wfdcast: no common media capability with sink")
)

// Transport failures.
var (
	ErrConnectTimeout = errors.New("wfdcast: data connection accept timed out")
	ErrPortBindFailed = errors.New("wfdcast: could not bind data port")
)

// HDCP provisioning errors get distinct identities because they
// usually mean missing keys, not a runtime fault.
var (
	ErrHdcpKeyMissing    = errors.New("wfdcast: hdcp key not provisioned")
	ErrHdcpConnectFailed = errors.New("wfdcast: hdcp channel connect failed")
)

// Timeouts.
var (
	// ErrKeepAliveTimeout is fatal: the sink stopped answering M16.
	ErrKeepAliveTimeout = errors.New("wfdcast: keep-alive response timeout")
	// ErrTeardownAckTimeout is expected; teardown proceeds regardless.
	ErrTeardownAckTimeout = errors.New("wfdcast: sink did not initiate teardown in time")
)
