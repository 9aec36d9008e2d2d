// Package domain defines the core data types shared across the gateway
// server, admission, store, and tunnel protocol layers.
package domain

import (
	"strings"
	"time"
)

// Plan is a subscription tier.
type Plan string

// Known plan tiers.
const (
	PlanFree       Plan = "FREE"
	PlanBasic      Plan = "BASIC"
	PlanPro        Plan = "PRO"
	PlanEnterprise Plan = "ENTERPRISE"
)

// DefaultPlan applies to users without a current subscription.
const DefaultPlan = PlanFree

// PlanLimits governs how many tunnels a user may hold and whether they may
// pick their own subdomain.
type PlanLimits struct {
	MaxActiveTunnels     int
	AllowCustomSubdomain bool
}

var planLimits = map[Plan]PlanLimits{
	PlanFree:       {MaxActiveTunnels: 5, AllowCustomSubdomain: false},
	PlanBasic:      {MaxActiveTunnels: 10, AllowCustomSubdomain: true},
	PlanPro:        {MaxActiveTunnels: 50, AllowCustomSubdomain: true},
	PlanEnterprise: {MaxActiveTunnels: 1000, AllowCustomSubdomain: true},
}

// Limits returns the limits for p. Unknown plans get the default plan's
// limits.
func (p Plan) Limits() PlanLimits {
	if l, ok := planLimits[p]; ok {
		return l
	}
	return planLimits[DefaultPlan]
}

// Valid reports whether p is a known tier.
func (p Plan) Valid() bool {
	_, ok := planLimits[p]
	return ok
}

// ParsePlan upper-cases and validates a plan name.
func ParsePlan(s string) (Plan, bool) {
	p := Plan(strings.ToUpper(strings.TrimSpace(s)))
	return p, p.Valid()
}

// Principal is a verified identity produced by the identity provider.
type Principal struct {
	ID    int64
	Email string
}

// User is an account together with its effective subscription.
type User struct {
	ID            int64
	Email         string
	PasswordHash  string
	Plan          Plan
	PlanExpiresAt *time.Time
	CreatedAt     time.Time
}

// EffectivePlan returns the user's plan, falling back to [DefaultPlan] when
// the subscription is absent or expired at now.
func (u User) EffectivePlan(now time.Time) Plan {
	if u.Plan == "" || !u.Plan.Valid() {
		return DefaultPlan
	}
	if u.PlanExpiresAt != nil && !u.PlanExpiresAt.After(now) {
		return DefaultPlan
	}
	return u.Plan
}

// TunnelRecord is the durable record of a named tunnel.
type TunnelRecord struct {
	Name            string
	UserID          int64
	URL             string
	Active          bool
	CreatedAt       time.Time
	LastConnectedAt *time.Time
	DisconnectedAt  *time.Time
}

// UsageStats holds the ephemeral per-tunnel counters.
type UsageStats struct {
	Requests int64
	Bytes    int64
	LastSeen time.Time
}
