package domain

import "time"

// Subscription status values that permit new deployments.
const (
	SubscriptionActive   = "active"
	SubscriptionTrialing = "trialing"
)

// Organization member roles, weakest to strongest.
const (
	RoleViewer = "viewer"
	RoleMember = "member"
	RoleAdmin  = "admin"
	RoleOwner  = "owner"
)

// Organization owns projects and carries the billing state admission checks.
type Organization struct {
	ID                 string
	Slug               string
	SubscriptionStatus string
	CurrentPeriodEnd   *time.Time
	MaxRAMMB           int64
	MaxCPUMillicores   int64
	MaxBandwidthGB     int64
	CreatedAt          time.Time
}

// SubscriptionCurrent reports whether the organization may admit deployments
// at the given instant.
func (o Organization) SubscriptionCurrent(now time.Time) bool {
	if o.SubscriptionStatus != SubscriptionActive && o.SubscriptionStatus != SubscriptionTrialing {
		return false
	}
	if o.CurrentPeriodEnd != nil && o.CurrentPeriodEnd.Before(now) {
		return false
	}
	return true
}

// AuditEvent records a control-plane action for later review.
type AuditEvent struct {
	ID             string
	OrganizationID string
	ActorUserID    string
	Action         string
	EntityType     string
	EntityID       string
	Metadata       map[string]string
	CreatedAt      time.Time
}
