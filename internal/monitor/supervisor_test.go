package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tunnelwarden/warden/internal/account"
	"github.com/tunnelwarden/warden/internal/config"
	"github.com/tunnelwarden/warden/internal/history"
	"github.com/tunnelwarden/warden/internal/notify"
	"github.com/tunnelwarden/warden/internal/provision"
	"github.com/tunnelwarden/warden/internal/store"
	"github.com/tunnelwarden/warden/internal/transport"
)

// fakeProber returns canned health and session observations.
type fakeProber struct {
	health   transport.Health
	sessions []string
	restarts []string
}

func (f *fakeProber) Check(context.Context) (transport.Health, error) {
	return f.health, nil
}

func (f *fakeProber) Restart(_ context.Context, service string) error {
	f.restarts = append(f.restarts, service)
	return nil
}

func (f *fakeProber) Sessions(context.Context) ([]string, error) {
	return f.sessions, nil
}

type fixture struct {
	cfg      *config.Config
	sup      *Supervisor
	mgr      *account.Manager
	prov     *provision.Fake
	prober   *fakeProber
	notifier *notify.Recorder
	hist     *history.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{
		MaxUsers:          50,
		DefaultExpireDays: 30,
		AllowPasswordAuth: true,
		MinPasswordLength: 12,
		Transport:         config.TransportConfig{Port: 443, ProxyService: "stunnel4", SSHService: "sshd"},
		Monitor: config.MonitorConfig{
			ExpiringHorizonDays: 3,
			LogMaxBytes:         1 << 20,
			CertWarnDays:        14,
		},
		DataDir: t.TempDir(),
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	prov := provision.NewFake()
	st := store.New(cfg.StorePath())
	mgr := account.NewManager(cfg, st, prov, logger)

	prober := &fakeProber{
		health: transport.Health{ProxyRunning: true, SSHRunning: true, PortListening: true},
	}
	notifier := &notify.Recorder{}

	hist, err := history.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { hist.Close() })

	sup := New(cfg, mgr, prober, notifier, hist, logger)
	return &fixture{cfg: cfg, sup: sup, mgr: mgr, prov: prov, prober: prober, notifier: notifier, hist: hist}
}

func TestRunHealthyQuietCycle(t *testing.T) {
	f := newFixture(t)

	run, err := f.sup.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !run.ProxyUp || !run.SSHUp || !run.PortUp {
		t.Errorf("healthy probe recorded as %+v", run)
	}
	if len(f.notifier.Subjects) != 0 {
		t.Errorf("quiet cycle sent notifications: %v", f.notifier.Subjects)
	}

	// The run was recorded.
	latest, err := f.hist.Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest == nil || latest.ID != run.ID {
		t.Errorf("run not recorded in history")
	}
}

func TestRunExclusivity(t *testing.T) {
	f := newFixture(t)

	// A live holder of the run lock.
	other := store.NewLock(filepath.Join(f.cfg.DataDir, "monitor.lock"))
	if err := other.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer other.Release()

	// The population the blocked run must not touch.
	ctx := context.Background()
	if _, err := f.mgr.Create(ctx, "alice", 7, store.AuthKey, ""); err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err := f.sup.Run(ctx)
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("got %v, want ErrAlreadyRunning", err)
	}

	count, err := store.New(f.cfg.StorePath()).Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("blocked run mutated the store: %d records", count)
	}
	if latest, _ := f.hist.Latest(ctx); latest != nil {
		t.Error("blocked run recorded history")
	}

	// After the holder exits the lock is free again.
	other.Release()
	if _, err := f.sup.Run(ctx); err != nil {
		t.Fatalf("Run after release: %v", err)
	}
}

func TestRunSweepsExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Backdate a record so it is already expired.
	past := time.Now().UTC().AddDate(0, 0, -10)
	st := store.New(f.cfg.StorePath())
	if err := st.Insert(store.Record{Username: "carol", CreatedAt: past, ExpiresAt: past.AddDate(0, 0, 3)}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	f.prov.Identities["carol"] = store.AuthKey

	run, err := f.sup.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if removed := run.Removed(); len(removed) != 1 || removed[0] != "carol" {
		t.Fatalf("run removed %v, want [carol]", removed)
	}
	if count, _ := st.Count(); count != 0 {
		t.Errorf("store still has %d records", count)
	}

	// A sweep that removed accounts is worth a notification.
	if len(f.notifier.Subjects) != 1 {
		t.Fatalf("got %d notifications, want 1", len(f.notifier.Subjects))
	}
	if !strings.Contains(f.notifier.Bodies[0], "carol") {
		t.Errorf("notification body does not mention carol: %q", f.notifier.Bodies[0])
	}
}

func TestRunAlertsOnDegradedTransport(t *testing.T) {
	f := newFixture(t)
	f.prober.health = transport.Health{ProxyRunning: false, SSHRunning: true, PortListening: false}

	run, err := f.sup.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.ProxyUp {
		t.Error("recorded proxy as up")
	}
	if len(f.notifier.Subjects) != 1 {
		t.Fatalf("got %d notifications, want 1", len(f.notifier.Subjects))
	}
	if !strings.Contains(f.notifier.Subjects[0], "degraded") {
		t.Errorf("subject %q does not flag degradation", f.notifier.Subjects[0])
	}
	if !run.Notified {
		t.Error("run not marked notified")
	}
}

func TestRunAlertsOnExpiredCertificate(t *testing.T) {
	f := newFixture(t)
	f.prober.health = transport.Health{
		ProxyRunning:  true,
		SSHRunning:    true,
		PortListening: true,
		CertNotAfter:  time.Now().Add(-3 * 24 * time.Hour),
	}

	run, err := f.sup.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !run.CertKnown {
		t.Error("certificate expiry recorded as unknown")
	}
	if run.CertDaysLeft >= 0 {
		t.Errorf("got %d cert days left, want negative", run.CertDaysLeft)
	}
	if len(f.notifier.Subjects) != 1 {
		t.Fatalf("got %d notifications, want 1", len(f.notifier.Subjects))
	}
	if !strings.Contains(f.notifier.Bodies[0], "certificate expired") {
		t.Errorf("notification body does not flag expiry: %q", f.notifier.Bodies[0])
	}
}

func TestRunFlagsUnmanagedSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.mgr.Create(ctx, "alice", 7, store.AuthKey, ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// alice twice (two sessions), root (ignored), mallory (unmanaged).
	f.prober.sessions = []string{"alice", "alice", "root", "mallory"}

	run, err := f.sup.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Sessions != 4 {
		t.Errorf("got %d sessions, want 4", run.Sessions)
	}
	if len(f.notifier.Bodies) != 1 || !strings.Contains(f.notifier.Bodies[0], "mallory") {
		t.Errorf("unmanaged session not reported: %v", f.notifier.Bodies)
	}
}

func TestRunCountsExpiringSoon(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.mgr.Create(ctx, "soon", 2, store.AuthKey, ""); err != nil {
		t.Fatalf("Create(soon): %v", err)
	}
	if _, err := f.mgr.Create(ctx, "later", 30, store.AuthKey, ""); err != nil {
		t.Fatalf("Create(later): %v", err)
	}

	run, err := f.sup.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.ExpiringSoon != 1 {
		t.Errorf("got %d expiring soon, want 1", run.ExpiringSoon)
	}
}
