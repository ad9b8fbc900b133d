package nats

import (
	"errors"
	"fmt"
	"strings"
)

// Stable error codes carried by NatsError. Configuration and caller-misuse
// codes are returned from the offending call, as is CONN_ERR from Connect.
// Server -ERR frames and malformed INFO frames reach the error handler as
// NATS_PROTOCOL_ERR; a connection lost after Connect drives reconnection and
// does not produce an error event.
const (
	ErrCodeBadOptions        = "BAD_OPTIONS"
	ErrCodeBadSubject        = "BAD_SUBJECT"
	ErrCodeBadMsg            = "BAD_MSG"
	ErrCodeBadReply          = "BAD_REPLY"
	ErrCodeBadJSON           = "BAD_JSON"
	ErrCodeBadAuthentication = "BAD_AUTHENTICATION"
	ErrCodeInvalidEncoding   = "INVALID_ENCODING"
	ErrCodeSigNotFunc        = "SIG_NOT_FUNC"

	ErrCodeConnErr    = "CONN_ERR"
	ErrCodeConnClosed = "CONN_CLOSED"
	ErrCodeProtocol   = "NATS_PROTOCOL_ERR"
	errCodeStaleConn  = "STALE_CONNECTION"

	ErrCodeSecureConnRequired    = "SECURE_CONN_REQ"
	ErrCodeNonSecureConnRequired = "NON_SECURE_CONN_REQ"
	ErrCodeClientCertRequired    = "CLIENT_CERT_REQ"

	ErrCodeSigRequired       = "SIG_REQ"
	ErrCodeNKeyOrJWTRequired = "NKEY_OR_JWT_REQ"
	ErrCodeBadCredentials    = "BAD_CREDENTIALS"
	ErrCodeNoSeedInCreds     = "NO_SEED_IN_CREDS"
	ErrCodeNoUserJWTInCreds  = "NO_USER_JWT_IN_CREDS"

	ErrCodeReqTimeout = "REQ_TIMEOUT"
)

// NatsError is the error type produced by this package. Code is one of the
// stable ErrCode constants; ChainedError holds a wrapped cause when present.
type NatsError struct {
	Code         string
	Message      string
	ChainedError error
}

func (e *NatsError) Error() string {
	if e.Message != "" {
		return e.Code + ": " + e.Message
	}
	return e.Code
}

func (e *NatsError) Unwrap() error { return e.ChainedError }

// Is matches two NatsErrors by code so errors.Is works against sentinels.
func (e *NatsError) Is(target error) bool {
	var other *NatsError
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

func defaultErrMessage(code string) string {
	switch code {
	case ErrCodeBadOptions:
		return "Options should be an object as second parameter"
	case ErrCodeBadSubject:
		return "Subject must be supplied"
	case ErrCodeBadMsg:
		return "Message can't be a function"
	case ErrCodeBadReply:
		return "Reply can't be a function"
	case ErrCodeBadJSON:
		return "Message should be a non-circular JSON-serializable value"
	case ErrCodeBadAuthentication:
		return "User and Token can not both be provided"
	case ErrCodeInvalidEncoding:
		return "Invalid Encoding"
	case ErrCodeSigNotFunc:
		return "Signature callback is not a function"
	case ErrCodeConnErr:
		return "Could not connect to server"
	case ErrCodeConnClosed:
		return "Connection closed"
	case ErrCodeProtocol:
		return "NATS protocol error"
	case errCodeStaleConn:
		return "stale connection"
	case ErrCodeSecureConnRequired:
		return "Server requires a secure connection"
	case ErrCodeNonSecureConnRequired:
		return "Server does not support a secure connection"
	case ErrCodeClientCertRequired:
		return "Server requires a client certificate"
	case ErrCodeSigRequired:
		return "Server requires a signature but no signer was provided"
	case ErrCodeNKeyOrJWTRequired:
		return "An NKey or User JWT callback needs to be defined"
	case ErrCodeBadCredentials:
		return "Bad user credentials"
	case ErrCodeNoSeedInCreds:
		return "Can not locate signing key in credentials"
	case ErrCodeNoUserJWTInCreds:
		return "Can not locate user jwt in credentials"
	case ErrCodeReqTimeout:
		return "The request timed out"
	}
	return "Unknown error"
}

// newErr builds a NatsError for code. An optional argument overrides the
// default message; an error argument is additionally retained as the cause.
func newErr(code string, cause ...interface{}) *NatsError {
	natsErr := &NatsError{Code: code, Message: defaultErrMessage(code)}

	if len(cause) > 0 {
		switch value := cause[0].(type) {
		case error:
			natsErr.ChainedError = value
			natsErr.Message = value.Error()
		case string:
			natsErr.Message = value
		default:
			natsErr.Message = fmt.Sprintf("%v", value)
		}
	}

	return natsErr
}

// ErrorCode extracts the NatsError code from err, or "" when err is not a
// NatsError.
func ErrorCode(err error) string {
	var natsErr *NatsError
	if errors.As(err, &natsErr) {
		return natsErr.Code
	}
	return ""
}

// Server -ERR payloads are matched case-insensitively. Stale connections are
// recovered silently; permission violations keep the connection alive.
const (
	serverErrStale       = "stale connection"
	serverErrPermissions = "permissions violation"
)

func isStaleConnectionErr(text string) bool {
	return strings.Contains(strings.ToLower(text), serverErrStale)
}

func isPermissionsErr(text string) bool {
	return strings.Contains(strings.ToLower(text), serverErrPermissions)
}
