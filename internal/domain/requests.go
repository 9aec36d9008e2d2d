package domain

import "time"

// CredentialsRequest is the JSON body for account registration and login.
type CredentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a freshly issued bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// UpgradeRequest changes a user's subscription plan.
type UpgradeRequest struct {
	Plan      string     `json:"plan"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// MessageResponse is a plain informational JSON reply.
type MessageResponse struct {
	Message string `json:"message"`
}

// TunnelInfo is the public JSON view of a [TunnelRecord].
type TunnelInfo struct {
	Name            string     `json:"name"`
	URL             string     `json:"url"`
	Active          bool       `json:"active"`
	Connected       bool       `json:"connected"`
	CreatedAt       time.Time  `json:"createdAt"`
	LastConnectedAt *time.Time `json:"lastConnectedAt,omitempty"`
	DisconnectedAt  *time.Time `json:"disconnectedAt,omitempty"`
}

// UsageResponse is the JSON view of [UsageStats].
type UsageResponse struct {
	Name     string `json:"name"`
	Requests int64  `json:"requests"`
	Bytes    int64  `json:"bytes"`
	LastSeen int64  `json:"lastSeen"`
}

// ErrorResponse is the JSON body returned by the server for structured errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"errorCode,omitempty"`
}
