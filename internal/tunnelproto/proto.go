// Package tunnelproto defines the JSON wire protocol exchanged between the
// gateway and its tunnel agents over a WebSocket connection.
package tunnelproto

import (
	"encoding/base64"
	"net/http"
	"net/textproto"
)

// Message kinds identify the type of payload carried by a [Message].
const (
	KindRegister        = "register"
	KindRegistered      = "registered"
	KindRegisterWarning = "register_warning"
	KindRegisterError   = "register_error"
	KindRequest         = "request"
	KindResponse        = "response"
	KindPing            = "ping"
	KindPong            = "pong"
)

// Message is the top-level envelope exchanged on the tunnel WebSocket.
type Message struct {
	Kind            string           `json:"kind"`
	Register        *Register        `json:"register,omitempty"`
	Registered      *Registered      `json:"registered,omitempty"`
	RegisterWarning *RegisterWarning `json:"register_warning,omitempty"`
	RegisterError   *RegisterError   `json:"register_error,omitempty"`
	Request         *HTTPRequest     `json:"request,omitempty"`
	Response        *HTTPResponse    `json:"response,omitempty"`
}

// Register asks the gateway to bind a tunnel to this connection. An empty
// name requests a generated one.
type Register struct {
	Name string `json:"name,omitempty"`
}

// Registered confirms a successful registration.
type Registered struct {
	Assigned string `json:"assigned"`
	URL      string `json:"url"`
	Plan     string `json:"plan"`
}

// RegisterWarning carries non-fatal notes about a registration.
type RegisterWarning struct {
	Warnings []string `json:"warnings"`
}

// RegisterError reports a rejected registration. The connection stays open.
type RegisterError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// HTTPRequest represents an inbound public HTTP request forwarded to the agent.
// Path includes the raw query string. BodyB64 is null for empty bodies.
type HTTPRequest struct {
	ID      string              `json:"id"`
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Headers map[string][]string `json:"headers"`
	BodyB64 *string             `json:"bodyB64"`
}

// HTTPResponse is the agent's reply to a forwarded [HTTPRequest].
type HTTPResponse struct {
	ID         string              `json:"id"`
	StatusCode int                 `json:"statusCode"`
	Headers    map[string][]string `json:"headers,omitempty"`
	BodyB64    *string             `json:"bodyB64"`
}

// EncodeBody base64-encodes a byte slice for JSON transport. Empty input
// yields nil so the field is sent as null.
func EncodeBody(b []byte) *string {
	if len(b) == 0 {
		return nil
	}
	s := base64.StdEncoding.EncodeToString(b)
	return &s
}

// DecodeBody decodes a base64-encoded body. Nil or empty input decodes to nil.
func DecodeBody(s *string) ([]byte, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(*s)
}

// CloneHeaders returns a deep copy of an HTTP header map.
func CloneHeaders(h map[string][]string) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, v := range h {
		c := make([]string, len(v))
		copy(c, v)
		out[k] = c
	}
	return out
}

// CanonicalHeaders copies h into an [http.Header], merging keys that differ
// only by case. Agents written in other runtimes commonly send lower-case keys.
func CanonicalHeaders(h map[string][]string) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		ck := textproto.CanonicalMIMEHeaderKey(k)
		out[ck] = append(out[ck], v...)
	}
	return out
}
