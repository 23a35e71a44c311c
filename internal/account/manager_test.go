package account

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tunnelwarden/warden/internal/config"
	"github.com/tunnelwarden/warden/internal/provision"
	"github.com/tunnelwarden/warden/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		MaxUsers:          50,
		DefaultExpireDays: 30,
		AllowPasswordAuth: true,
		MinPasswordLength: 12,
		Transport:         config.TransportConfig{Port: 443},
		DataDir:           t.TempDir(),
	}
}

func newTestManager(t *testing.T, cfg *config.Config) (*Manager, *provision.Fake) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}
	fake := provision.NewFake()
	st := store.New(cfg.StorePath())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(cfg, st, fake, logger), fake
}

func TestCreateExpiryArithmetic(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	now := time.Date(2026, 8, 31, 23, 45, 0, 0, time.UTC)
	mgr.now = func() time.Time { return now }

	result, err := mgr.Create(context.Background(), "alice", 7, store.AuthKey, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	wantExpiry := time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC)
	if !result.Record.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("got expires_at %v, want %v", result.Record.ExpiresAt, wantExpiry)
	}
	if !result.Record.CreatedAt.Equal(now) {
		t.Errorf("got created_at %v, want %v", result.Record.CreatedAt, now)
	}
	if result.Secret == nil || result.Secret.PrivateKeyPEM == "" {
		t.Error("key-mode create returned no private key")
	}
}

func TestCreateDefaultDays(t *testing.T) {
	cfg := testConfig(t)
	cfg.DefaultExpireDays = 5
	mgr, _ := newTestManager(t, cfg)
	now := time.Date(2026, 8, 31, 1, 0, 0, 0, time.UTC)
	mgr.now = func() time.Time { return now }

	result, err := mgr.Create(context.Background(), "alice", 0, store.AuthKey, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	want := time.Date(2026, 9, 5, 0, 0, 0, 0, time.UTC)
	if !result.Record.ExpiresAt.Equal(want) {
		t.Errorf("got expires_at %v, want %v", result.Record.ExpiresAt, want)
	}
}

func TestCreateInvalidUsername(t *testing.T) {
	mgr, fake := newTestManager(t, nil)
	_, err := mgr.Create(context.Background(), "bad name!", 7, store.AuthKey, "")
	if !errors.Is(err, ErrInvalidUsername) {
		t.Fatalf("got %v, want ErrInvalidUsername", err)
	}
	if len(fake.Identities) != 0 {
		t.Error("invalid create touched the provisioner")
	}
}

func TestCreateDuplicate(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	ctx := context.Background()
	if _, err := mgr.Create(ctx, "alice", 7, store.AuthKey, ""); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	_, err := mgr.Create(ctx, "alice", 7, store.AuthKey, "")
	if !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("second Create: got %v, want ErrDuplicate", err)
	}
}

func TestCreateFailsClosedOnPlatformIdentity(t *testing.T) {
	mgr, fake := newTestManager(t, nil)
	// Identity exists on the platform but has no record: drift.
	fake.Identities["ghost"] = store.AuthKey

	_, err := mgr.Create(context.Background(), "ghost", 7, store.AuthKey, "")
	if !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("got %v, want ErrDuplicate", err)
	}
}

func TestQuota(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxUsers = 1
	mgr, _ := newTestManager(t, cfg)
	ctx := context.Background()

	if _, err := mgr.Create(ctx, "alice", 7, store.AuthKey, ""); err != nil {
		t.Fatalf("Create(alice): %v", err)
	}
	_, err := mgr.Create(ctx, "bob", 7, store.AuthKey, "")
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Create(bob): got %v, want ErrQuotaExceeded", err)
	}

	if err := mgr.Delete(ctx, "alice"); err != nil {
		t.Fatalf("Delete(alice): %v", err)
	}
	if _, err := mgr.Create(ctx, "bob", 7, store.AuthKey, ""); err != nil {
		t.Fatalf("Create(bob) after delete: %v", err)
	}
}

func TestDeleteIdempotence(t *testing.T) {
	mgr, fake := newTestManager(t, nil)
	ctx := context.Background()
	if _, err := mgr.Create(ctx, "alice", 7, store.AuthKey, ""); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := mgr.Delete(ctx, "alice"); err != nil {
		t.Fatalf("first Delete: %v", err)
	}
	err := mgr.Delete(ctx, "alice")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second Delete: got %v, want ErrNotFound", err)
	}

	// Deprovision of the already-absent identity is success, not an error.
	if err := fake.Deprovision(ctx, "alice"); err != nil {
		t.Errorf("Deprovision of absent identity: %v", err)
	}
}

func TestCreateProvisionFailureLeavesNoRecord(t *testing.T) {
	mgr, fake := newTestManager(t, nil)
	fake.FailProvision = true

	_, err := mgr.Create(context.Background(), "alice", 7, store.AuthKey, "")
	if !errors.Is(err, provision.ErrProvisionFailed) {
		t.Fatalf("got %v, want ErrProvisionFailed", err)
	}

	count, err := mgr.store.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Errorf("store has %d records after failed create, want 0", count)
	}
}

func TestCreatePasswordPolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.RequireKeyAuth = true
	mgr, _ := newTestManager(t, cfg)

	_, err := mgr.Create(context.Background(), "alice", 7, store.AuthPassword, "")
	if !errors.Is(err, ErrPasswordAuthDisabled) {
		t.Fatalf("got %v, want ErrPasswordAuthDisabled", err)
	}

	cfg2 := testConfig(t)
	mgr2, _ := newTestManager(t, cfg2)
	_, err = mgr2.Create(context.Background(), "alice", 7, store.AuthPassword, "short")
	if !errors.Is(err, ErrPasswordTooShort) {
		t.Fatalf("got %v, want ErrPasswordTooShort", err)
	}
}

func TestCreateGeneratedPasswordMeetsPolicy(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	result, err := mgr.Create(context.Background(), "alice", 7, store.AuthPassword, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(result.Secret.Password) < 12 {
		t.Errorf("generated password %q shorter than policy minimum", result.Secret.Password)
	}
}

func TestCleanupSweepsOnlyExpired(t *testing.T) {
	mgr, fake := newTestManager(t, nil)
	ctx := context.Background()
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	// carol expired yesterday, dave expires tomorrow.
	mgr.now = func() time.Time { return now.AddDate(0, 0, -8) }
	if _, err := mgr.Create(ctx, "carol", 7, store.AuthKey, ""); err != nil {
		t.Fatalf("Create(carol): %v", err)
	}
	mgr.now = func() time.Time { return now.AddDate(0, 0, -6) }
	if _, err := mgr.Create(ctx, "dave", 7, store.AuthKey, ""); err != nil {
		t.Fatalf("Create(dave): %v", err)
	}

	mgr.now = func() time.Time { return now }
	removed, err := mgr.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if len(removed) != 1 || removed[0] != "carol" {
		t.Fatalf("Cleanup removed %v, want [carol]", removed)
	}

	records, err := mgr.store.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(records) != 1 || records[0].Username != "dave" {
		t.Errorf("store holds %v, want only dave", records)
	}
	if _, ok := fake.Identities["carol"]; ok {
		t.Error("carol's platform identity survived cleanup")
	}
}

func TestCleanupEmptyStoreIsSuccess(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	removed, err := mgr.Cleanup(context.Background())
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if len(removed) != 0 {
		t.Errorf("Cleanup removed %v, want none", removed)
	}
}

func TestListSurfacesDrift(t *testing.T) {
	mgr, fake := newTestManager(t, nil)
	ctx := context.Background()
	if _, err := mgr.Create(ctx, "alice", 7, store.AuthKey, ""); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Identity vanishes behind the store's back.
	delete(fake.Identities, "alice")

	entries, err := mgr.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Status != store.StatusDeleted {
		t.Errorf("got status %q, want deleted", entries[0].Status)
	}

	// Drift is surfaced, not repaired: the record is still there.
	if _, err := mgr.store.Get("alice"); err != nil {
		t.Errorf("record was repaired away: %v", err)
	}
}

func TestShow(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	ctx := context.Background()
	if _, err := mgr.Create(ctx, "alice", 7, store.AuthKey, ""); err != nil {
		t.Fatalf("Create: %v", err)
	}

	detail, err := mgr.Show(ctx, "alice")
	if err != nil {
		t.Fatalf("Show: %v", err)
	}
	if !detail.Presence.IdentityExists || !detail.Presence.AuthorizedKey {
		t.Errorf("presence %+v, want identity and key present", detail.Presence)
	}
	if detail.Presence.Mode() != store.AuthKey {
		t.Errorf("got mode %q, want key", detail.Presence.Mode())
	}

	if _, err := mgr.Show(ctx, "nobody"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Show(nobody): got %v, want ErrNotFound", err)
	}
}

func TestExpiringHorizon(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	ctx := context.Background()
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	mgr.now = func() time.Time { return now }
	if _, err := mgr.Create(ctx, "soon", 2, store.AuthKey, ""); err != nil {
		t.Fatalf("Create(soon): %v", err)
	}
	if _, err := mgr.Create(ctx, "later", 30, store.AuthKey, ""); err != nil {
		t.Fatalf("Create(later): %v", err)
	}

	records, err := mgr.Expiring(3)
	if err != nil {
		t.Fatalf("Expiring: %v", err)
	}
	if len(records) != 1 || records[0].Username != "soon" {
		t.Errorf("Expiring returned %v, want [soon]", records)
	}
}
