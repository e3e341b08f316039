// SPDX-License-Identifier: Apache-2.0

package sspi

import (
	"errors"
	"fmt"
	"strings"
)

// Status is a SECURITY_STATUS value as returned by a provider.  Values with the
// severity bit set are errors; the remaining values are success or
// informational codes.  The numeric values are the same as the Windows SSPI
// for compatibility.
type Status uint32

const (
	StatusOK                        Status = 0x00000000
	StatusContinueNeeded            Status = 0x00090312 // SEC_I_CONTINUE_NEEDED
	StatusContextExpiredInfo        Status = 0x00090317 // SEC_I_CONTEXT_EXPIRED
	StatusRenegotiate               Status = 0x00090321 // SEC_I_RENEGOTIATE
	StatusInsufficientMemory        Status = 0x80090300
	StatusInvalidHandle             Status = 0x80090301
	StatusTargetUnknown             Status = 0x80090303
	StatusInternalError             Status = 0x80090304
	StatusProviderNotFound          Status = 0x80090305 // SEC_E_SECPKG_NOT_FOUND
	StatusInvalidToken              Status = 0x80090308
	StatusQoPNotSupported           Status = 0x8009030A
	StatusLogonDenied               Status = 0x8009030C
	StatusUnknownCredentials        Status = 0x8009030D
	StatusNoCredentials             Status = 0x8009030E
	StatusMessageAltered            Status = 0x8009030F
	StatusOutOfSequence             Status = 0x80090310
	StatusNoAuthenticatingAuthority Status = 0x80090311
	StatusContextExpired            Status = 0x80090317
	StatusIncompleteMessage         Status = 0x80090318
	StatusBufferTooSmall            Status = 0x80090321
	StatusCryptoSystemInvalid       Status = 0x80090337
	StatusBadBindings               Status = 0x80090346
)

// Error kinds.  A *StatusError unwraps to exactly one of these so callers can
// use errors.Is without looking at raw codes.
var (
	ErrInsufficientMemory        = errors.New("not enough memory is available to complete the request")
	ErrInvalidHandle             = errors.New("the handle is not valid")
	ErrTargetUnknown             = errors.New("the target was not recognized")
	ErrInternalError             = errors.New("an error occurred that did not map to a status code")
	ErrProviderNotFound          = errors.New("provider not found")
	ErrInvalidToken              = errors.New("the token supplied is invalid")
	ErrQoPNotSupported           = errors.New("the quality of protection is not supported")
	ErrLogonDenied               = errors.New("the logon failed")
	ErrUnknownCredentials        = errors.New("the credentials supplied were not recognized")
	ErrNoCredentials             = errors.New("no credentials are available")
	ErrMessageAltered            = errors.New("the message has been altered")
	ErrOutOfSequence             = errors.New("the message was not received in the correct sequence")
	ErrNoAuthenticatingAuthority = errors.New("no authority could be contacted for authentication")
	ErrContextExpired            = errors.New("the context has expired")
	ErrIncompleteMessage         = errors.New("the message is incomplete")
	ErrBufferTooSmall            = errors.New("the buffer is too small")
	ErrCryptoSystemInvalid       = errors.New("the cipher is not supported")
	ErrBadBindings               = errors.New("the channel bindings do not match")
	ErrRenegotiate               = errors.New("the peer requires a new handshake")
)

var statusNames = map[Status]string{
	StatusOK:                        "SEC_E_OK",
	StatusContinueNeeded:            "SEC_I_CONTINUE_NEEDED",
	StatusContextExpiredInfo:        "SEC_I_CONTEXT_EXPIRED",
	StatusRenegotiate:               "SEC_I_RENEGOTIATE",
	StatusInsufficientMemory:        "SEC_E_INSUFFICIENT_MEMORY",
	StatusInvalidHandle:             "SEC_E_INVALID_HANDLE",
	StatusTargetUnknown:             "SEC_E_TARGET_UNKNOWN",
	StatusInternalError:             "SEC_E_INTERNAL_ERROR",
	StatusProviderNotFound:          "SEC_E_SECPKG_NOT_FOUND",
	StatusInvalidToken:              "SEC_E_INVALID_TOKEN",
	StatusQoPNotSupported:           "SEC_E_QOP_NOT_SUPPORTED",
	StatusLogonDenied:               "SEC_E_LOGON_DENIED",
	StatusUnknownCredentials:        "SEC_E_UNKNOWN_CREDENTIALS",
	StatusNoCredentials:             "SEC_E_NO_CREDENTIALS",
	StatusMessageAltered:            "SEC_E_MESSAGE_ALTERED",
	StatusOutOfSequence:             "SEC_E_OUT_OF_SEQUENCE",
	StatusNoAuthenticatingAuthority: "SEC_E_NO_AUTHENTICATING_AUTHORITY",
	StatusContextExpired:            "SEC_E_CONTEXT_EXPIRED",
	StatusIncompleteMessage:         "SEC_E_INCOMPLETE_MESSAGE",
	StatusBufferTooSmall:            "SEC_E_BUFFER_TOO_SMALL",
	StatusCryptoSystemInvalid:       "SEC_E_CRYPTO_SYSTEM_INVALID",
	StatusBadBindings:               "SEC_E_BAD_BINDINGS",
}

var statusMessages = map[Status]string{
	StatusBufferTooSmall:            "The message buffer is too small.",
	StatusContextExpired:            "The application is referencing a context that has already been closed.",
	StatusCryptoSystemInvalid:       "The cipher chosen for the security context is not supported.",
	StatusIncompleteMessage:         "The data in the input buffer is incomplete.",
	StatusInsufficientMemory:        "There is not enough memory available to complete the requested action.",
	StatusInternalError:             "An error occurred that did not map to an SSPI error code.",
	StatusInvalidHandle:             "The handle passed to the function is not valid.",
	StatusInvalidToken:              "The input token is malformed. Possible causes include a token corrupted in transit, a token of incorrect size, and a token passed into the wrong security package.",
	StatusLogonDenied:               "The logon failed.",
	StatusMessageAltered:            "The message has been altered.",
	StatusNoAuthenticatingAuthority: "No authority could be contacted for authentication.",
	StatusNoCredentials:             "No credentials are available in the security package.",
	StatusOutOfSequence:             "The message was not received in the correct sequence.",
	StatusQoPNotSupported:           "Neither confidentiality nor integrity are supported by the security context.",
	StatusProviderNotFound:          "The requested security package does not exist.",
	StatusTargetUnknown:             "The target was not recognized.",
	StatusUnknownCredentials:        "The credentials supplied to the package were not recognized.",
	StatusBadBindings:               "The client and server channel bindings differ.",
	StatusContextExpiredInfo:        "The message sender has finished using the connection and has initiated a shutdown.",
	StatusRenegotiate:               "The remote party requires a new handshake sequence or the application has just initiated a shutdown.",
}

// IsError reports whether the severity bit of s is set.
func (s Status) IsError() bool {
	return s&0x80000000 != 0
}

// Message returns the human-readable explanation for s, or defaultMessage
// when the code is not in the table.
func (s Status) Message(defaultMessage string) string {
	if msg, ok := statusMessages[s]; ok {
		return msg
	}

	return defaultMessage
}

func (s Status) String() string {
	name, ok := statusNames[s]
	if !ok {
		name = "SEC_E_UNKNOWN"
	}

	return fmt.Sprintf("%s (0x%08X)", name, uint32(s))
}

// Kind returns the error sentinel that corresponds to s, or nil for
// success and continue-needed codes.
func (s Status) Kind() error {
	switch s {
	case StatusOK, StatusContinueNeeded:
		return nil
	case StatusInsufficientMemory:
		return ErrInsufficientMemory
	case StatusInvalidHandle:
		return ErrInvalidHandle
	case StatusTargetUnknown:
		return ErrTargetUnknown
	case StatusProviderNotFound:
		return ErrProviderNotFound
	case StatusInvalidToken:
		return ErrInvalidToken
	case StatusQoPNotSupported:
		return ErrQoPNotSupported
	case StatusLogonDenied:
		return ErrLogonDenied
	case StatusUnknownCredentials:
		return ErrUnknownCredentials
	case StatusNoCredentials:
		return ErrNoCredentials
	case StatusMessageAltered:
		return ErrMessageAltered
	case StatusOutOfSequence:
		return ErrOutOfSequence
	case StatusNoAuthenticatingAuthority:
		return ErrNoAuthenticatingAuthority
	case StatusContextExpired, StatusContextExpiredInfo:
		return ErrContextExpired
	case StatusIncompleteMessage:
		return ErrIncompleteMessage
	case StatusBufferTooSmall:
		return ErrBufferTooSmall
	case StatusCryptoSystemInvalid:
		return ErrCryptoSystemInvalid
	case StatusBadBindings:
		return ErrBadBindings
	case StatusRenegotiate:
		return ErrRenegotiate
	default:
		return ErrInternalError
	}
}

// StatusError is the error returned when a provider call does not report
// success.  It carries the raw status code, the message from the status table
// and, optionally, the provider-specific cause.
type StatusError struct {
	Code    Status
	Message string
	Cause   error
}

// NewStatusError builds a StatusError for code using the status table, or
// defaultMessage for codes the table does not know.
func NewStatusError(code Status, defaultMessage string) *StatusError {
	return &StatusError{
		Code:    code,
		Message: code.Message(defaultMessage),
	}
}

// Errorf is used by providers to report a failure status together with a
// description of what went wrong.
func Errorf(code Status, format string, args ...any) error {
	e := NewStatusError(code, "")
	e.Cause = fmt.Errorf(format, args...)
	return e
}

func (e *StatusError) Error() string {
	var parts []string

	msg := e.Message
	if msg == "" {
		msg = e.Code.Kind().Error()
	}
	parts = append(parts, fmt.Sprintf("%s: %s", e.Code, msg))

	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *StatusError) Unwrap() []error {
	ret := []error{}

	if kind := e.Code.Kind(); kind != nil {
		ret = append(ret, kind)
	}
	if e.Cause != nil {
		ret = append(ret, e.Cause)
	}

	return ret
}

// StatusOf maps err back to a status code.  A nil error is StatusOK; errors
// that do not carry a status are reported as StatusInternalError.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}

	return StatusInternalError
}

// wrapStatus attaches defaultMessage to a provider error, keeping its code and
// cause.  Errors that carry no status become internal errors.
func wrapStatus(err error, defaultMessage string) *StatusError {
	code := StatusOf(err)
	e := NewStatusError(code, defaultMessage)

	var se *StatusError
	if errors.As(err, &se) {
		e.Cause = se.Cause
	} else {
		e.Cause = err
	}

	return e
}
