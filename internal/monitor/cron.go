package monitor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// cronMarker tags the crontab line owned by warden so install and remove
// never touch operator-managed entries.
const cronMarker = "# warden-monitor"

// InstallCron adds (or replaces) the crontab entry that triggers
// `warden monitor run` on the given schedule.
func InstallCron(ctx context.Context, schedule string) error {
	if len(strings.Fields(schedule)) != 5 {
		return fmt.Errorf("invalid cron schedule %q", schedule)
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	current, err := readCrontab(ctx)
	if err != nil {
		return err
	}
	kept := stripMarked(current)
	entry := fmt.Sprintf("%s %s monitor run >> /dev/null 2>&1 %s", schedule, exe, cronMarker)
	kept = append(kept, entry)
	return writeCrontab(ctx, kept)
}

// RemoveCron deletes the warden-owned crontab entry. Removing an absent
// entry is success.
func RemoveCron(ctx context.Context) error {
	current, err := readCrontab(ctx)
	if err != nil {
		return err
	}
	kept := stripMarked(current)
	if len(kept) == len(current) {
		return nil
	}
	return writeCrontab(ctx, kept)
}

// CronInstalled reports whether the warden entry is present.
func CronInstalled(ctx context.Context) (bool, error) {
	current, err := readCrontab(ctx)
	if err != nil {
		return false, err
	}
	return len(stripMarked(current)) != len(current), nil
}

func stripMarked(lines []string) []string {
	var kept []string
	for _, line := range lines {
		if strings.Contains(line, cronMarker) {
			continue
		}
		kept = append(kept, line)
	}
	return kept
}

func readCrontab(ctx context.Context) ([]string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "crontab", "-l")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		// "no crontab for <user>" is an empty crontab, not a failure.
		if strings.Contains(stderr.String(), "no crontab") {
			return nil, nil
		}
		return nil, fmt.Errorf("read crontab: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

func writeCrontab(ctx context.Context, lines []string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "crontab", "-")
	cmd.Stdin = strings.NewReader(strings.Join(lines, "\n") + "\n")
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("write crontab: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
