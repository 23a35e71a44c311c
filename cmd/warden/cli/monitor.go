package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tunnelwarden/warden/internal/config"
	"github.com/tunnelwarden/warden/internal/history"
	"github.com/tunnelwarden/warden/internal/monitor"
	"github.com/tunnelwarden/warden/internal/notify"
	"github.com/tunnelwarden/warden/internal/transport"
)

func newMonitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Unattended supervision of the tunnel and account population",
		Long: `The monitor subcommands back the scheduled supervisor: an exclusive
run that probes tunnel health, observes sessions, sweeps expired accounts,
rotates logs, and reports. 'install-cron' wires it to cron.`,
	}

	cmd.AddCommand(newMonitorRunCmd())
	cmd.AddCommand(newMonitorStatusCmd())
	cmd.AddCommand(newMonitorHealthCmd())
	cmd.AddCommand(newMonitorSessionsCmd())
	cmd.AddCommand(newMonitorExpiringCmd())
	cmd.AddCommand(newMonitorReportCmd())
	cmd.AddCommand(newMonitorInstallCronCmd())
	cmd.AddCommand(newMonitorRemoveCronCmd())

	return cmd
}

// newSupervisor wires the full supervisor stack. withHistory controls
// whether the run-history database is opened.
func newSupervisor(cfg *config.Config, logger *slog.Logger, withHistory bool) (*monitor.Supervisor, *history.Store, error) {
	mgr := newManager(cfg, logger)
	prober := transport.NewSystemProber(cfg.Transport)
	notifier := notify.New(cfg.Notify)

	var hist *history.Store
	if withHistory {
		var err error
		hist, err = history.NewStore(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
	}
	return monitor.New(cfg, mgr, prober, notifier, hist, logger), hist, nil
}

// ---------- monitor run ----------

func newMonitorRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Execute one exclusive supervisor cycle",
		Long: `Acquire the supervisor lock and run the full cycle: health probe,
session observation, expiration sweep, log rotation, report. Exits
immediately with an error if another supervisor is already running.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitorRun()
		},
	}
}

func runMonitorRun() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Unattended runs log to the rotating monitor log as well as stderr.
	logWriter := io.Writer(os.Stderr)
	logFile, err := os.OpenFile(monitor.LogPath(cfg.DataDir),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err == nil {
		defer logFile.Close()
		logWriter = io.MultiWriter(os.Stderr, logFile)
	}
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{Level: level}))

	sup, hist, err := newSupervisor(cfg, logger, true)
	if err != nil {
		return err
	}
	if hist != nil {
		defer hist.Close()
	}

	// The run lock must be released even when cron kills us.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run, err := sup.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Supervisor run finished in %s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	if removed := run.Removed(); len(removed) > 0 {
		fmt.Printf("  Removed: %s\n", strings.Join(removed, ", "))
	}
	return nil
}

// ---------- monitor status ----------

func newMonitorStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report supervisor lock state and the last recorded run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitorStatus()
		},
	}
}

func runMonitorStatus() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()

	sup, hist, err := newSupervisor(cfg, logger, true)
	if err != nil {
		return err
	}
	defer hist.Close()

	pid, alive, err := sup.LockState()
	switch {
	case err != nil:
		return fmt.Errorf("read supervisor lock: %w", err)
	case pid == 0:
		fmt.Println("Supervisor is not running.")
	case alive:
		fmt.Printf("Supervisor is running (PID %d)\n", pid)
	default:
		fmt.Printf("Stale supervisor lock (PID %d is dead); the next run will reclaim it.\n", pid)
	}

	installed, err := monitor.CronInstalled(context.Background())
	if err == nil {
		if installed {
			fmt.Printf("Cron entry installed (schedule %q)\n", cfg.Monitor.CronSchedule)
		} else {
			fmt.Println("No cron entry. Use 'warden monitor install-cron' to schedule runs.")
		}
	}

	latest, err := hist.Latest(context.Background())
	if err != nil {
		return err
	}
	if latest == nil {
		fmt.Println("No recorded runs yet.")
		return nil
	}
	fmt.Printf("Last run: %s (removed %d, sessions %d, notified %v)\n",
		latest.StartedAt.Format(time.RFC3339), len(latest.Removed()),
		latest.Sessions, latest.Notified)
	return nil
}

// ---------- monitor health ----------

func newMonitorHealthCmd() *cobra.Command {
	var restart bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe the transport stack and certificate expiry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitorHealth(restart)
		},
	}

	cmd.Flags().BoolVar(&restart, "restart", false, "Restart services found down")

	return cmd
}

func runMonitorHealth(restart bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	prober := transport.NewSystemProber(cfg.Transport)
	health, err := prober.Check(ctx)
	if err != nil {
		return err
	}

	upDown := func(b bool) string {
		if b {
			return "up"
		}
		return "DOWN"
	}
	fmt.Printf("Proxy (%s): %s\n", cfg.Transport.ProxyService, upDown(health.ProxyRunning))
	fmt.Printf("SSH (%s):     %s\n", cfg.Transport.SSHService, upDown(health.SSHRunning))
	fmt.Printf("Port %d:      %s\n", cfg.Transport.Port, upDown(health.PortListening))
	switch days, known := health.CertDaysLeft(time.Now()); {
	case !known:
		fmt.Println("Certificate:   not readable")
	case days < 0:
		fmt.Printf("Certificate:   EXPIRED %d days ago\n", -days)
	default:
		fmt.Printf("Certificate:   expires in %d days\n", days)
		if days <= cfg.Monitor.CertWarnDays {
			fmt.Println("  Warning: renew the certificate soon.")
		}
	}

	if restart {
		if !health.ProxyRunning {
			if err := prober.Restart(ctx, cfg.Transport.ProxyService); err != nil {
				return err
			}
			fmt.Printf("Restarted %s\n", cfg.Transport.ProxyService)
		}
		if !health.SSHRunning {
			if err := prober.Restart(ctx, cfg.Transport.SSHService); err != nil {
				return err
			}
			fmt.Printf("Restarted %s\n", cfg.Transport.SSHService)
		}
	}
	return nil
}

// ---------- monitor sessions ----------

func newMonitorSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List live sessions, flagging unmanaged accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitorSessions()
		},
	}
}

func runMonitorSessions() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()
	mgr := newManager(cfg, logger)

	ctx := context.Background()
	prober := transport.NewSystemProber(cfg.Transport)
	sessions, err := prober.Sessions(ctx)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No live sessions.")
		return nil
	}

	entries, err := mgr.List(ctx)
	if err != nil {
		return err
	}
	managed := make(map[string]bool, len(entries))
	for _, e := range entries {
		managed[e.Record.Username] = true
	}

	counts := make(map[string]int)
	var order []string
	for _, name := range sessions {
		if counts[name] == 0 {
			order = append(order, name)
		}
		counts[name]++
	}

	fmt.Printf("%-20s %-10s %-10s\n", "USERNAME", "SESSIONS", "MANAGED")
	for _, name := range order {
		managedStr := "yes"
		if !managed[name] {
			managedStr = "NO"
		}
		fmt.Printf("%-20s %-10d %-10s\n", name, counts[name], managedStr)
	}
	return nil
}

// ---------- monitor expiring ----------

func newMonitorExpiringCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expiring [days]",
		Short: "List accounts expiring within a horizon (default from config)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			days := 0
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n < 0 {
					return fmt.Errorf("days must be a non-negative integer, got %q", args[0])
				}
				days = n
			}
			return runMonitorExpiring(days)
		},
	}
}

func runMonitorExpiring(days int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if days == 0 {
		days = cfg.Monitor.ExpiringHorizonDays
	}
	logger := newLogger()
	mgr := newManager(cfg, logger)

	records, err := mgr.Expiring(days)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Printf("No accounts expire within %d days.\n", days)
		return nil
	}
	fmt.Printf("%-20s %-12s\n", "USERNAME", "EXPIRES")
	for _, rec := range records {
		fmt.Printf("%-20s %-12s\n", rec.Username, rec.ExpiresAt.Format("2006-01-02"))
	}
	return nil
}

// ---------- monitor report ----------

func newMonitorReportCmd() *cobra.Command {
	var (
		jsonOutput bool
		email      bool
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show recent supervisor runs from the history database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitorReport(jsonOutput, email, limit)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&email, "email", false, "Send the latest run as a notification")
	cmd.Flags().IntVar(&limit, "limit", 10, "Number of runs to show")

	return cmd
}

func runMonitorReport(jsonOutput, email bool, limit int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	hist, err := history.NewStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer hist.Close()

	ctx := context.Background()
	runs, err := hist.Recent(ctx, limit)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(runs); err != nil {
			return err
		}
	} else if len(runs) == 0 {
		fmt.Println("No recorded runs.")
	} else {
		fmt.Printf("%-25s %-8s %-8s %-10s %-9s\n", "STARTED", "HEALTH", "REMOVED", "SESSIONS", "NOTIFIED")
		for _, r := range runs {
			healthStr := "ok"
			if !(r.ProxyUp && r.SSHUp && r.PortUp) {
				healthStr = "DEGRADED"
			}
			fmt.Printf("%-25s %-8s %-8d %-10d %-9v\n",
				r.StartedAt.Format(time.RFC3339), healthStr,
				len(r.Removed()), r.Sessions, r.Notified)
		}
	}

	if email {
		latest, err := hist.Latest(ctx)
		if err != nil {
			return err
		}
		if latest == nil {
			return fmt.Errorf("no runs to report")
		}
		body, err := json.MarshalIndent(latest, "", "  ")
		if err != nil {
			return err
		}
		notifier := notify.New(cfg.Notify)
		if err := notifier.Notify(ctx, "[warden] latest supervisor run", string(body)); err != nil {
			return err
		}
		fmt.Println("Report sent.")
	}
	return nil
}

// ---------- monitor install-cron / remove-cron ----------

func newMonitorInstallCronCmd() *cobra.Command {
	var schedule string

	cmd := &cobra.Command{
		Use:   "install-cron",
		Short: "Install the crontab entry that triggers supervisor runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitorInstallCron(schedule)
		},
	}

	cmd.Flags().StringVar(&schedule, "schedule", "", "Cron schedule (default from config)")

	return cmd
}

func runMonitorInstallCron(schedule string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if schedule == "" {
		schedule = cfg.Monitor.CronSchedule
	}
	if err := monitor.InstallCron(context.Background(), schedule); err != nil {
		return err
	}
	fmt.Printf("Installed cron entry (schedule %q)\n", schedule)
	return nil
}

func newMonitorRemoveCronCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-cron",
		Short: "Remove the warden crontab entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := monitor.RemoveCron(context.Background()); err != nil {
				return err
			}
			fmt.Println("Removed cron entry (if present).")
			return nil
		},
	}
}
