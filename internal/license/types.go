package license

import (
	"math"
	"time"
)

// Type is the license plan variant. It fixes the grant duration at issuance.
type Type string

const (
	TypeTrial    Type = "trial"
	TypeWeekly   Type = "weekly"
	TypeMonthly  Type = "monthly"
	TypeYearly   Type = "yearly"
	TypeLifetime Type = "lifetime"
)

// DurationDays returns the plan duration in days. The mapping is a pure
// lookup evaluated once at issuance; durationDays on a stored record is
// never recomputed afterwards.
func (t Type) DurationDays() int {
	switch t {
	case TypeTrial:
		return 7
	case TypeWeekly:
		return 7
	case TypeMonthly:
		return 30
	case TypeYearly:
		return 365
	case TypeLifetime:
		return 365 * 30
	default:
		return 7
	}
}

// Valid reports whether t is a known plan type.
func (t Type) Valid() bool {
	switch t {
	case TypeTrial, TypeWeekly, TypeMonthly, TypeYearly, TypeLifetime:
		return true
	}
	return false
}

// Status is the stored lifecycle state of a record. "expired" is a cache of
// the expiresAt < now predicate, corrected lazily on reads.
type Status string

const (
	StatusUnused  Status = "unused"
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

// StaffProfile identifies one staff member of the outlet bound to a license.
type StaffProfile struct {
	UserID   string `json:"userId" validate:"required"`
	Role     string `json:"role" validate:"required"`
	Name     string `json:"name" validate:"required"`
	Username string `json:"username,omitempty"`
}

// AccountProfile is the outlet/owner identity bound to a license.
type AccountProfile struct {
	AccountID  string         `json:"accountId" validate:"required"`
	OutletName string         `json:"outletName" validate:"required"`
	OwnerName  string         `json:"ownerName,omitempty"`
	OwnerPhone string         `json:"ownerPhone,omitempty"`
	OwnerEmail string         `json:"ownerEmail,omitempty" validate:"omitempty,email"`
	Staff      []StaffProfile `json:"staff" validate:"dive"`
}

// DeviceProfile describes the device requesting or holding an activation.
type DeviceProfile struct {
	DeviceID   string `json:"deviceId" validate:"required"`
	Platform   string `json:"platform" validate:"required,oneof=android windows ios web"`
	Model      string `json:"model,omitempty"`
	Brand      string `json:"brand,omitempty"`
	OSVersion  string `json:"osVersion,omitempty"`
	IPAddress  string `json:"ipAddress,omitempty"`
	AppVersion string `json:"appVersion,omitempty"`
}

// Session is the current token grant on a record. A nil ExpiresAt means the
// grant never expires (lifetime plans); the HTTP layer renders that as the
// literal string "never".
type Session struct {
	Token      string     `json:"token"`
	DeviceID   string     `json:"deviceId"`
	IssuedAt   time.Time  `json:"issuedAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

// Record is one license grant, keyed by its immutable code.
//
// Version implements optimistic concurrency: Store.Save refuses to overwrite
// a record whose stored version differs from the one the caller read.
type Record struct {
	Code                 string          `json:"code"`
	Type                 Type            `json:"type"`
	Status               Status          `json:"status"`
	DurationDays         int             `json:"durationDays"`
	Version              int64           `json:"version"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
	ActivatedAt          *time.Time      `json:"activatedAt,omitempty"`
	ExpiresAt            *time.Time      `json:"expiresAt,omitempty"`
	Notes                string          `json:"notes,omitempty"`
	AllowMultipleDevices bool            `json:"allowMultipleDevices,omitempty"`
	Account              *AccountProfile `json:"account,omitempty"`
	Device               *DeviceProfile  `json:"device,omitempty"`
	Session              *Session        `json:"session,omitempty"`
}

// ExpiredAt reports whether the record carries a finite expiry that has
// passed at the given instant. Records without expiresAt never expire.
func (r *Record) ExpiredAt(now time.Time) bool {
	return r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

// AuditEvent enumerates license-affecting events written to the audit trail.
type AuditEvent string

const (
	EventTrialIssued AuditEvent = "trial_issued"
	EventActivated   AuditEvent = "activated"
	// EventStatusCheck is part of the audit vocabulary but deliberately
	// never emitted: checks are read-heavy and logging each one would swamp
	// the trail. Dashboards reading old trails may still encounter it.
	EventStatusCheck AuditEvent = "status_check"
	EventRevoked     AuditEvent = "revoked"
	EventExtended    AuditEvent = "extended"
)

// AuditEntry is one append-only audit record. Entries are never updated,
// deleted, or read back by the protocol; they exist for the forensic trail.
type AuditEntry struct {
	Event     AuditEvent      `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	Device    *DeviceProfile  `json:"device,omitempty"`
	Account   *AccountProfile `json:"account,omitempty"`
	Notes     string          `json:"notes,omitempty"`
}

const day = 24 * time.Hour

// RemainingDays computes ceil((expiresAt - now) / 1 day) floored at zero.
// Returns nil for records without expiry: an unbounded grant is never
// reported as a number.
func RemainingDays(expiresAt *time.Time, now time.Time) *int {
	if expiresAt == nil {
		return nil
	}
	remaining := int(math.Ceil(expiresAt.Sub(now).Hours() / 24))
	if remaining < 0 {
		remaining = 0
	}
	return &remaining
}

// ExpiryNever is the wire representation of an absent expiry.
const ExpiryNever = "never"

// FormatExpiry renders an expiry for API responses: RFC 3339, or the literal
// "never" when the grant has no expiry.
func FormatExpiry(expiresAt *time.Time) string {
	if expiresAt == nil {
		return ExpiryNever
	}
	return expiresAt.UTC().Format(time.RFC3339)
}
