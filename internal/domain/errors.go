package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrAuthMissing means the control-channel handshake carried no credential.
	ErrAuthMissing = errors.New("auth token missing")

	// ErrAuthInvalid means the credential could not be verified.
	ErrAuthInvalid = errors.New("auth token invalid")

	// ErrUserNotFound is returned when the principal has no account record.
	ErrUserNotFound = errors.New("user not found")

	// ErrCapacityExceeded is returned when a user already holds the maximum
	// number of active tunnels allowed by their plan.
	ErrCapacityExceeded = errors.New("tunnel limit reached")

	// ErrInvalidNameFormat indicates the requested subdomain is not a valid
	// DNS label.
	ErrInvalidNameFormat = errors.New("invalid subdomain format")

	// ErrNameTaken indicates the requested subdomain belongs to another user.
	ErrNameTaken = errors.New("subdomain already taken by another user")

	// ErrNoActiveTunnel means no agent is bound to the requested subdomain.
	ErrNoActiveTunnel = errors.New("no active tunnel")

	// ErrGatewayTimeout means the agent did not answer before the deadline.
	ErrGatewayTimeout = errors.New("gateway timeout")

	// ErrUpstream wraps unexpected failures while forwarding or rewriting.
	ErrUpstream = errors.New("upstream error")

	// ErrTunnelNotFound means no tunnel record exists for the name.
	ErrTunnelNotFound = errors.New("tunnel not found")

	// ErrEmailTaken is returned when registering an email that already exists.
	ErrEmailTaken = errors.New("email already exists")

	// ErrAlreadyRegistered means the control connection already carries a
	// tunnel. One connection serves one tunnel.
	ErrAlreadyRegistered = errors.New("connection already has a registered tunnel")

	// ErrRateLimited means the user sent too many register attempts.
	ErrRateLimited = errors.New("too many registration attempts")
)

// Error codes sent to agents in register_error events.
const (
	CodeAuthMissing       = "auth_missing"
	CodeAuthInvalid       = "auth_invalid"
	CodeUserNotFound      = "user_not_found"
	CodeCapacityExceeded  = "capacity_exceeded"
	CodeInvalidNameFormat = "invalid_name_format"
	CodeNameTaken         = "name_taken"
	CodeNoActiveTunnel    = "no_active_tunnel"
	CodeGatewayTimeout    = "gateway_timeout"
	CodeUpstream          = "upstream_error"
	CodeAlreadyRegistered = "already_registered"
	CodeRateLimited       = "rate_limited"
	CodeInternal          = "internal_error"
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrAuthMissing, CodeAuthMissing},
	{ErrAuthInvalid, CodeAuthInvalid},
	{ErrUserNotFound, CodeUserNotFound},
	{ErrCapacityExceeded, CodeCapacityExceeded},
	{ErrInvalidNameFormat, CodeInvalidNameFormat},
	{ErrNameTaken, CodeNameTaken},
	{ErrNoActiveTunnel, CodeNoActiveTunnel},
	{ErrGatewayTimeout, CodeGatewayTimeout},
	{ErrUpstream, CodeUpstream},
	{ErrAlreadyRegistered, CodeAlreadyRegistered},
	{ErrRateLimited, CodeRateLimited},
}

// ErrorCode maps err onto a stable snake_case code. Unknown errors map to
// [CodeInternal].
func ErrorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// TunnelError wraps an underlying error with tunnel context.
type TunnelError struct {
	Name string
	Op   string
	Err  error
}

func (e *TunnelError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("tunnel %s: %s: %v", e.Name, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TunnelError) Unwrap() error {
	return e.Err
}
