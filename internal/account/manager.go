// Package account is the lifecycle controller: the only component allowed to
// mutate the record store or call the credential provisioner. It enforces
// username format, quota, uniqueness, and UTC calendar-day expiry.
package account

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/tunnelwarden/warden/internal/config"
	"github.com/tunnelwarden/warden/internal/provision"
	"github.com/tunnelwarden/warden/internal/store"
)

// Manager coordinates the record store and the credential provisioner. All
// mutating operations run under a store-wide exclusive lock so concurrent
// invocations (interactive vs. scheduled) cannot interleave their
// check-then-act sequences.
type Manager struct {
	cfg    *config.Config
	store  *store.Store
	prov   provision.Provisioner
	lock   *store.Lock
	logger *slog.Logger

	// now is injectable for expiry tests; defaults to time.Now.
	now func() time.Time
}

// NewManager wires a lifecycle controller over the given collaborators.
func NewManager(cfg *config.Config, st *store.Store, prov provision.Provisioner, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		store:  st,
		prov:   prov,
		lock:   store.NewLock(filepath.Join(cfg.DataDir, "store.lock")),
		logger: logger,
		now:    time.Now,
	}
}

// CreateResult carries the new record and its one-time secret. The secret is
// available only from this return value.
type CreateResult struct {
	Record store.Record
	Secret *provision.Secret
}

// Create provisions a new account expiring days from now. An empty password
// in password mode means "generate one". Returns the record plus the secret
// material for one-time display.
func (m *Manager) Create(ctx context.Context, username string, days int, mode store.AuthMode, password string) (*CreateResult, error) {
	if !store.ValidUsername(username) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}
	if days <= 0 {
		days = m.cfg.DefaultExpireDays
	}
	if mode == store.AuthPassword {
		if !m.cfg.PasswordAuthAllowed() {
			return nil, ErrPasswordAuthDisabled
		}
		if password != "" && len(password) < m.cfg.MinPasswordLength {
			return nil, fmt.Errorf("%w: need %d characters", ErrPasswordTooShort, m.cfg.MinPasswordLength)
		}
	}

	if err := m.lock.Acquire(); err != nil {
		return nil, fmt.Errorf("store busy: %w", err)
	}
	defer m.lock.Release()

	count, err := m.store.Count()
	if err != nil {
		return nil, err
	}
	if count >= m.cfg.MaxUsers {
		return nil, fmt.Errorf("%w: %d of %d accounts in use", ErrQuotaExceeded, count, m.cfg.MaxUsers)
	}

	// Fail closed on a duplicate in either the store or the platform.
	if _, err := m.store.Get(username); err == nil {
		return nil, fmt.Errorf("%w: %s", store.ErrDuplicate, username)
	}
	presence, err := m.prov.Inspect(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("inspect platform identity: %w", err)
	}
	if presence.IdentityExists {
		return nil, fmt.Errorf("%w: platform identity %s", store.ErrDuplicate, username)
	}

	createdAt := m.now().UTC()
	expiresAt := createdAt.Truncate(24 * time.Hour).AddDate(0, 0, days)

	// Generate a password here rather than in the provisioner so policy
	// length applies to generated passwords too.
	if mode == store.AuthPassword && password == "" {
		password, err = provision.GeneratePassword(m.cfg.MinPasswordLength + 4)
		if err != nil {
			return nil, err
		}
	}

	secret, err := m.prov.Provision(ctx, username, mode, password)
	if err != nil {
		return nil, err
	}
	if err := m.prov.SetExpiry(ctx, username, expiresAt); err != nil {
		// Keep store and platform consistent: undo the identity.
		if derr := m.prov.Deprovision(ctx, username); derr != nil {
			m.logger.Error("rollback after expiry failure failed",
				"username", username, "error", derr)
		}
		return nil, fmt.Errorf("%w: %v", provision.ErrProvisionFailed, err)
	}

	rec := store.Record{Username: username, CreatedAt: createdAt, ExpiresAt: expiresAt}
	if err := m.store.Insert(rec); err != nil {
		if derr := m.prov.Deprovision(ctx, username); derr != nil {
			m.logger.Error("rollback after store failure failed",
				"username", username, "error", derr)
		}
		return nil, err
	}

	m.logger.Info("account created",
		"username", username, "mode", string(mode),
		"expires_at", expiresAt.Format("2006-01-02"))
	return &CreateResult{Record: rec, Secret: secret}, nil
}

// Delete retires an account. The platform identity is deprovisioned before
// the record is removed, so a crash mid-operation leaves a record pointing
// at a removed identity rather than an untracked identity.
func (m *Manager) Delete(ctx context.Context, username string) error {
	if err := m.lock.Acquire(); err != nil {
		return fmt.Errorf("store busy: %w", err)
	}
	defer m.lock.Release()
	return m.deleteLocked(ctx, username)
}

func (m *Manager) deleteLocked(ctx context.Context, username string) error {
	if _, err := m.store.Get(username); err != nil {
		return err
	}
	if err := m.prov.Deprovision(ctx, username); err != nil {
		return err
	}
	if err := m.store.Remove(username); err != nil {
		return err
	}
	m.logger.Info("account deleted", "username", username)
	return nil
}

// Entry is one row of the list projection: the record plus derived status
// and observed platform state.
type Entry struct {
	Record store.Record
	Status store.Status
	Mode   store.AuthMode
}

// List projects every record with its derived status. A record whose
// platform identity is gone is marked deleted; the drift is surfaced, never
// repaired here.
func (m *Manager) List(ctx context.Context) ([]Entry, error) {
	records, err := m.store.Scan()
	if err != nil {
		return nil, err
	}
	now := m.now()
	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		entry := Entry{Record: rec, Status: rec.DerivedStatus(now)}
		presence, err := m.prov.Inspect(ctx, rec.Username)
		if err != nil {
			return nil, fmt.Errorf("inspect %s: %w", rec.Username, err)
		}
		if !presence.IdentityExists {
			entry.Status = store.StatusDeleted
		}
		entry.Mode = presence.Mode()
		entries = append(entries, entry)
	}
	return entries, nil
}

// Detail is the show projection: record fields plus platform presence.
type Detail struct {
	Record   store.Record
	Status   store.Status
	Presence provision.Presence
}

// Show reports one account in full, including platform-level presence of the
// identity, credential directory, and authentication material.
func (m *Manager) Show(ctx context.Context, username string) (*Detail, error) {
	rec, err := m.store.Get(username)
	if err != nil {
		return nil, err
	}
	presence, err := m.prov.Inspect(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", username, err)
	}
	status := rec.DerivedStatus(m.now())
	if !presence.IdentityExists {
		status = store.StatusDeleted
	}
	return &Detail{Record: rec, Status: status, Presence: presence}, nil
}

// Cleanup removes every account whose expiry date is strictly before the
// current UTC date and returns the removed usernames in scan order. An empty
// result is success. The whole sweep runs under one lock acquisition.
func (m *Manager) Cleanup(ctx context.Context) ([]string, error) {
	if err := m.lock.Acquire(); err != nil {
		return nil, fmt.Errorf("store busy: %w", err)
	}
	defer m.lock.Release()

	records, err := m.store.Scan()
	if err != nil {
		return nil, err
	}

	removed := []string{}
	now := m.now()
	for _, rec := range records {
		if !rec.Expired(now) {
			continue
		}
		if err := m.deleteLocked(ctx, rec.Username); err != nil {
			return removed, fmt.Errorf("cleanup %s: %w", rec.Username, err)
		}
		removed = append(removed, rec.Username)
	}
	return removed, nil
}

// Expiring returns records whose expiry falls within the next horizon days
// (inclusive of today). Read-only; used by the supervisor report.
func (m *Manager) Expiring(horizonDays int) ([]store.Record, error) {
	records, err := m.store.Scan()
	if err != nil {
		return nil, err
	}
	today := m.now().UTC().Truncate(24 * time.Hour)
	deadline := today.AddDate(0, 0, horizonDays)
	var out []store.Record
	for _, rec := range records {
		if !rec.ExpiresAt.Before(today) && !rec.ExpiresAt.After(deadline) {
			out = append(out, rec)
		}
	}
	return out, nil
}
