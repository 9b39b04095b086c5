// Package errs contains the sentinel errors shared by every layer and their
// stable wire codes.
package errs

import "errors"

var (
	// ErrIdentityNotInitialized is returned when signing before Initialize.
	ErrIdentityNotInitialized = errors.New("identity not initialized")
	// ErrKeyGenerationFailed wraps a failure of the random source.
	ErrKeyGenerationFailed = errors.New("key generation failed")

	ErrInvalidSignature = errors.New("invalid signature")
	ErrReplayedNonce    = errors.New("replayed nonce")
	ErrStaleMessage     = errors.New("stale message")
	ErrUnknownSender    = errors.New("unknown sender")
	ErrKeyMismatch      = errors.New("public key mismatch")

	ErrPermissionDenied       = errors.New("permission denied")
	ErrRoleAlreadyExists      = errors.New("role already exists")
	ErrSubdomainAlreadyExists = errors.New("subdomain already exists")
	ErrInvalidRole            = errors.New("invalid role")
	ErrUnknownDomain          = errors.New("unknown domain")

	// ErrConnectionTimeout is returned when the handshake or initial state
	// sync did not finish in time.
	ErrConnectionTimeout = errors.New("connection timeout")
	// ErrNoOpenConnection is returned once send retries are exhausted.
	ErrNoOpenConnection = errors.New("no open connection")
	ErrMalformedFrame   = errors.New("malformed frame")

	ErrReadOnly      = errors.New("store is read-only")
	ErrUnknownAction = errors.New("unknown action")

	ErrStorageSave   = errors.New("storage save failed")
	ErrStorageLoad   = errors.New("storage load failed")
	ErrStorageRemove = errors.New("storage remove failed")
)

// Wire codes carried in ERROR events.
const (
	CodePermissionDenied  = "PERMISSION_DENIED"
	CodeInvalidSignature  = "INVALID_SIGNATURE"
	CodeReplayedNonce     = "REPLAYED_NONCE"
	CodeStaleMessage      = "STALE_MESSAGE"
	CodeUnknownSender     = "UNKNOWN_SENDER"
	CodeKeyMismatch       = "KEY_MISMATCH"
	CodeInvalidRole       = "INVALID_ROLE"
	CodeRoleExists        = "ROLE_ALREADY_EXISTS"
	CodeSubdomainExists   = "SUBDOMAIN_ALREADY_EXISTS"
	CodeUnknownAction     = "UNKNOWN_ACTION"
	CodeActionFailed      = "ACTION_FAILED"
	CodeConnectionTimeout = "CONNECTION_TIMEOUT"
	CodeNoOpenConnection  = "NO_OPEN_CONNECTION"
	CodeMalformedFrame    = "MALFORMED_FRAME"
	CodeInternal          = "INTERNAL"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrPermissionDenied, CodePermissionDenied},
	{ErrInvalidSignature, CodeInvalidSignature},
	{ErrReplayedNonce, CodeReplayedNonce},
	{ErrStaleMessage, CodeStaleMessage},
	{ErrUnknownSender, CodeUnknownSender},
	{ErrKeyMismatch, CodeKeyMismatch},
	{ErrInvalidRole, CodeInvalidRole},
	{ErrRoleAlreadyExists, CodeRoleExists},
	{ErrSubdomainAlreadyExists, CodeSubdomainExists},
	{ErrUnknownAction, CodeUnknownAction},
	{ErrConnectionTimeout, CodeConnectionTimeout},
	{ErrNoOpenConnection, CodeNoOpenConnection},
	{ErrMalformedFrame, CodeMalformedFrame},
}

// Code maps err onto its wire code. Errors outside the taxonomy map to
// CodeInternal.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// FromCode is the inverse of Code. Unknown codes return nil.
func FromCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
