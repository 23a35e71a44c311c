// Package monitor is the unattended supervisor: one exclusive cycle of
// health probing, session observation, expiration sweeping, log rotation,
// and reporting. Destructive work is delegated to the lifecycle controller.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/tunnelwarden/warden/internal/account"
	"github.com/tunnelwarden/warden/internal/config"
	"github.com/tunnelwarden/warden/internal/history"
	"github.com/tunnelwarden/warden/internal/notify"
	"github.com/tunnelwarden/warden/internal/store"
	"github.com/tunnelwarden/warden/internal/transport"
)

// ErrAlreadyRunning is returned when another live supervisor holds the run
// lock. The run performs no work in that case.
var ErrAlreadyRunning = errors.New("supervisor already running")

// Supervisor owns one scheduled cycle. It mutates nothing before acquiring
// the run lock and releases the lock on every exit path.
type Supervisor struct {
	cfg      *config.Config
	manager  *account.Manager
	prober   transport.Prober
	notifier notify.Notifier
	hist     *history.Store
	logger   *slog.Logger
	lock     *store.Lock

	now func() time.Time
}

// New wires a Supervisor over its collaborators. hist may be nil when run
// history is not wanted (some read-only subcommands).
func New(cfg *config.Config, mgr *account.Manager, prober transport.Prober, notifier notify.Notifier, hist *history.Store, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		manager:  mgr,
		prober:   prober,
		notifier: notifier,
		hist:     hist,
		logger:   logger,
		lock:     store.NewLock(filepath.Join(cfg.DataDir, "monitor.lock")),
		now:      time.Now,
	}
}

// LockState reports the run lock for `monitor status`.
func (s *Supervisor) LockState() (pid int, alive bool, err error) {
	return s.lock.HolderPID()
}

// Run executes one full supervisor cycle. A second concurrent run observes
// ErrAlreadyRunning and performs no mutation.
func (s *Supervisor) Run(ctx context.Context) (*history.Run, error) {
	if err := s.lock.Acquire(); err != nil {
		if errors.Is(err, store.ErrLockHeld) {
			return nil, fmt.Errorf("%w: %v", ErrAlreadyRunning, err)
		}
		return nil, err
	}
	defer s.lock.Release()

	run := &history.Run{StartedAt: s.now().UTC()}

	// Health: reports only, never mutates.
	health, err := s.prober.Check(ctx)
	if err != nil {
		s.logger.Error("transport probe failed", "error", err)
	}
	run.ProxyUp = health.ProxyRunning
	run.SSHUp = health.SSHRunning
	run.PortUp = health.PortListening
	run.CertDaysLeft, run.CertKnown = health.CertDaysLeft(s.now())

	// Session and anomaly observation: reports only.
	sessions, err := s.prober.Sessions(ctx)
	if err != nil {
		s.logger.Error("session observation failed", "error", err)
	}
	run.Sessions = len(sessions)
	anomalies := s.unmanagedSessions(ctx, sessions)
	for _, name := range anomalies {
		s.logger.Warn("session for unmanaged account", "username", name)
	}

	// Expiration sweep, delegated to the lifecycle controller.
	removed, err := s.manager.Cleanup(ctx)
	run.SetRemoved(removed)
	if err != nil {
		run.FailureReason = err.Error()
		s.logger.Error("expiration sweep failed", "error", err)
	} else if len(removed) > 0 {
		s.logger.Info("expired accounts removed", "usernames", strings.Join(removed, ","))
	}

	if err := s.rotateLog(); err != nil {
		s.logger.Error("log rotation failed", "error", err)
	}

	expiring, err := s.manager.Expiring(s.cfg.Monitor.ExpiringHorizonDays)
	if err != nil {
		s.logger.Error("expiring scan failed", "error", err)
	}
	run.ExpiringSoon = len(expiring)

	run.FinishedAt = s.now().UTC()

	if subject, body, alert := s.composeAlert(run, health, anomalies, expiring); alert {
		if err := s.notifier.Notify(ctx, subject, body); err != nil {
			s.logger.Error("notification failed", "error", err)
		} else {
			run.Notified = true
		}
	}

	if s.hist != nil {
		if err := s.hist.Append(ctx, run); err != nil {
			s.logger.Error("history append failed", "error", err)
		}
		cutoff := s.now().UTC().AddDate(0, -3, 0)
		if _, err := s.hist.Prune(ctx, cutoff); err != nil {
			s.logger.Error("history prune failed", "error", err)
		}
	}
	return run, nil
}

// unmanagedSessions returns session usernames with no account record,
// deduplicated. Root and system logins show up in `who` too, so only
// store-shaped usernames are flagged.
func (s *Supervisor) unmanagedSessions(ctx context.Context, sessions []string) []string {
	entries, err := s.manager.List(ctx)
	if err != nil {
		s.logger.Error("record scan for anomaly check failed", "error", err)
		return nil
	}
	managed := make(map[string]bool, len(entries))
	for _, e := range entries {
		managed[e.Record.Username] = true
	}
	seen := make(map[string]bool)
	var out []string
	for _, name := range sessions {
		if name == "root" || managed[name] || seen[name] {
			continue
		}
		if !store.ValidUsername(name) {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

func (s *Supervisor) composeAlert(run *history.Run, health transport.Health, anomalies []string, expiring []store.Record) (subject, body string, alert bool) {
	var problems []string
	if !health.ProxyRunning {
		problems = append(problems, "encrypting proxy is down")
	}
	if !health.SSHRunning {
		problems = append(problems, "ssh daemon is down")
	}
	if !health.PortListening {
		problems = append(problems, fmt.Sprintf("port %d is not listening", s.cfg.Transport.Port))
	}
	if d := run.CertDaysLeft; run.CertKnown && d <= s.cfg.Monitor.CertWarnDays {
		if d < 0 {
			problems = append(problems, fmt.Sprintf("certificate expired %d days ago", -d))
		} else {
			problems = append(problems, fmt.Sprintf("certificate expires in %d days", d))
		}
	}
	for _, name := range anomalies {
		problems = append(problems, "session for unmanaged account "+name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Supervisor run %s\n\n", run.StartedAt.Format(time.RFC3339))
	if len(problems) > 0 {
		b.WriteString("Problems:\n")
		for _, p := range problems {
			fmt.Fprintf(&b, "  - %s\n", p)
		}
		b.WriteString("\n")
	}
	if removed := run.Removed(); len(removed) > 0 {
		fmt.Fprintf(&b, "Expired accounts removed: %s\n", strings.Join(removed, ", "))
	}
	if len(expiring) > 0 {
		fmt.Fprintf(&b, "Expiring within %d days:\n", s.cfg.Monitor.ExpiringHorizonDays)
		for _, rec := range expiring {
			fmt.Fprintf(&b, "  - %s (%s)\n", rec.Username, rec.ExpiresAt.Format("2006-01-02"))
		}
	}
	if run.FailureReason != "" {
		fmt.Fprintf(&b, "Sweep failure: %s\n", run.FailureReason)
	}

	alert = len(problems) > 0 || len(run.Removed()) > 0 || run.FailureReason != ""
	if len(problems) > 0 {
		subject = "[warden] tunnel health degraded"
	} else {
		subject = "[warden] supervisor report"
	}
	return subject, b.String(), alert
}
