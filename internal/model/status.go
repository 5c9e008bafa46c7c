package model

import (
	"github.com/awcullen/opcua/ua"
	"github.com/pkg/errors"
)

// Status codes the secure channel layer reports, re-exported from ua.
const (
	BadCommunicationError         = ua.BadCommunicationError
	BadTimeout                    = ua.BadTimeout
	BadSecurityChecksFailed       = ua.BadSecurityChecksFailed
	BadDecodingError              = ua.BadDecodingError
	BadEncodingError              = ua.BadEncodingError
	BadServiceUnsupported         = ua.BadServiceUnsupported
	BadCertificateInvalid         = ua.BadCertificateInvalid
	BadSecurityPolicyRejected     = ua.BadSecurityPolicyRejected
	BadSecurityModeRejected       = ua.BadSecurityModeRejected
	BadNonceInvalid               = ua.BadNonceInvalid
	BadTCPServerTooBusy           = ua.BadTCPServerTooBusy
	BadTCPMessageTypeInvalid      = ua.BadTCPMessageTypeInvalid
	BadTCPSecureChannelUnknown    = ua.BadTCPSecureChannelUnknown
	BadTCPMessageTooLarge         = ua.BadTCPMessageTooLarge
	BadTCPInternalError           = ua.BadTCPInternalError
	BadTCPEndpointURLInvalid      = ua.BadTCPEndpointURLInvalid
	BadRequestInterrupted         = ua.BadRequestInterrupted
	BadRequestTimeout             = ua.BadRequestTimeout
	BadSecureChannelClosed        = ua.BadSecureChannelClosed
	BadSecureChannelTokenUnknown  = ua.BadSecureChannelTokenUnknown
	BadSequenceNumberInvalid      = ua.BadSequenceNumberInvalid
	BadProtocolVersionUnsupported = ua.BadProtocolVersionUnsupported
	BadConnectionClosed           = ua.BadConnectionClosed
	BadInvalidState               = ua.BadInvalidState
)

// StatusOf returns the status code carried by err, or BadCommunicationError
// when err does not wrap one.
func StatusOf(err error) ua.StatusCode {
	if err == nil {
		return ua.StatusCode(0)
	}
	var code ua.StatusCode
	if errors.As(err, &code) {
		return code
	}
	if code, ok := errors.Cause(err).(ua.StatusCode); ok {
		return code
	}
	return BadCommunicationError
}
