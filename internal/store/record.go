package store

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// AuthMode is how an account authenticates through the tunnel. The mode is
// not persisted in the record file; it is observable from the platform (an
// installed authorized_keys file means key mode).
type AuthMode string

const (
	AuthKey      AuthMode = "key"
	AuthPassword AuthMode = "password"
)

// Status is derived at read time, never persisted. The file always carries
// the literal "active" written at creation.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusDeleted Status = "deleted"
)

const (
	createdAtLayout = "2006-01-02 15:04:05"
	expiresAtLayout = "2006-01-02"
)

var usernameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidUsername reports whether name is acceptable as an account name.
func ValidUsername(name string) bool {
	return usernameRe.MatchString(name)
}

// Record is one managed account as persisted in the store file:
//
//	username:created_at:expires_at:status
//
// created_at is "YYYY-MM-DD HH:MM:SS" and expires_at "YYYY-MM-DD", both UTC.
type Record struct {
	Username  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the record's expiry date is strictly before the
// current UTC date. An account expiring today is still active.
func (r Record) Expired(now time.Time) bool {
	today := now.UTC().Truncate(24 * time.Hour)
	return r.ExpiresAt.Before(today)
}

// DerivedStatus computes the record's status against the clock. Platform
// absence (the "deleted" drift case) is the lifecycle controller's concern,
// not the store's.
func (r Record) DerivedStatus(now time.Time) Status {
	if r.Expired(now) {
		return StatusExpired
	}
	return StatusActive
}

// marshalLine renders the record in the persisted field order. The stored
// status column is always "active"; derived status is computed on read.
func (r Record) marshalLine() string {
	return fmt.Sprintf("%s:%s:%s:%s",
		r.Username,
		r.CreatedAt.UTC().Format(createdAtLayout),
		r.ExpiresAt.UTC().Format(expiresAtLayout),
		string(StatusActive),
	)
}

// parseLine is the inverse of marshalLine. The created_at timestamp itself
// contains two colons, so a well-formed line splits into exactly six
// colon-separated tokens; tokens 1..3 are rejoined into the timestamp.
func parseLine(line string) (Record, error) {
	parts := strings.Split(line, ":")
	if len(parts) != 6 {
		return Record{}, fmt.Errorf("malformed record %q: want 4 fields", line)
	}
	username := parts[0]
	if !ValidUsername(username) {
		return Record{}, fmt.Errorf("malformed record %q: bad username", line)
	}
	createdAt, err := time.ParseInLocation(createdAtLayout, strings.Join(parts[1:4], ":"), time.UTC)
	if err != nil {
		return Record{}, fmt.Errorf("malformed record %q: %w", line, err)
	}
	expiresAt, err := time.ParseInLocation(expiresAtLayout, parts[4], time.UTC)
	if err != nil {
		return Record{}, fmt.Errorf("malformed record %q: %w", line, err)
	}
	return Record{
		Username:  username,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
	}, nil
}
