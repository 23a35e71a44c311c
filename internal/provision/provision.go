// Package provision creates and removes the platform identity behind each
// managed account, together with its authentication material. The lifecycle
// controller is its only caller; the real implementation shells out to the
// platform user tools, and tests substitute the Fake.
package provision

import (
	"context"
	"errors"
	"time"

	"github.com/tunnelwarden/warden/internal/store"
)

// ErrIdentityExists is returned by Provision when the platform identity is
// already present.
var ErrIdentityExists = errors.New("platform identity already exists")

// ErrProvisionFailed wraps any underlying failure during Provision. By the
// time it is returned, all partially created state has been rolled back.
var ErrProvisionFailed = errors.New("provisioning failed")

// Secret carries the one-time credential material generated at provision
// time. It is returned to the caller for display and never persisted.
type Secret struct {
	Mode store.AuthMode
	// Password is set in password mode.
	Password string
	// PrivateKeyPEM and AuthorizedKey are set in key mode. AuthorizedKey is
	// the single line installed as the account's accepted credential.
	PrivateKeyPEM string
	AuthorizedKey string
}

// Presence describes what actually exists on the platform for a username,
// independent of the record store. Used to surface drift, never to repair it.
type Presence struct {
	IdentityExists bool
	CredentialDir  bool
	AuthorizedKey  bool
	PasswordSet    bool
}

// Mode reports the observable auth mode, or empty when nothing is installed.
func (p Presence) Mode() store.AuthMode {
	if p.AuthorizedKey {
		return store.AuthKey
	}
	if p.PasswordSet {
		return store.AuthPassword
	}
	return ""
}

// Provisioner is the credential provider capability consumed by the
// lifecycle controller.
type Provisioner interface {
	// Provision creates the identity, its credential directory, and either a
	// password (the given one, or generated when empty) or a fresh keypair.
	// It fails with ErrIdentityExists if the identity is present and with
	// ErrProvisionFailed otherwise, leaving no partial state behind.
	Provision(ctx context.Context, username string, mode store.AuthMode, password string) (*Secret, error)

	// Deprovision terminates live sessions and removes the identity and its
	// home recursively. Removing an absent identity is success, logged.
	Deprovision(ctx context.Context, username string) error

	// SetExpiry sets the platform-level account expiration marker.
	SetExpiry(ctx context.Context, username string, date time.Time) error

	// Inspect reports platform-level state for drift detection.
	Inspect(ctx context.Context, username string) (Presence, error)
}
