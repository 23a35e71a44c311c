// Package transport observes and nudges the encrypting proxy and the remote
// access daemon behind it. It is a narrow collaborator of the supervisor:
// is-it-running, restart, and certificate expiry. No account state lives
// here.
package transport

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/tunnelwarden/warden/internal/config"
)

// Health is one probe result for the tunnel stack.
type Health struct {
	ProxyRunning  bool
	SSHRunning    bool
	PortListening bool
	// CertNotAfter is zero when no certificate is configured or readable.
	CertNotAfter time.Time
}

// Healthy reports whether every probed component is up.
func (h Health) Healthy() bool {
	return h.ProxyRunning && h.SSHRunning && h.PortListening
}

// CertDaysLeft returns days until certificate expiry (negative once the
// certificate has expired) and whether the expiry is known at all. An
// unreadable or unconfigured certificate is unknown, not expired.
func (h Health) CertDaysLeft(now time.Time) (int, bool) {
	if h.CertNotAfter.IsZero() {
		return 0, false
	}
	return int(h.CertNotAfter.Sub(now).Hours() / 24), true
}

// Prober checks and restarts the tunnel services.
type Prober interface {
	Check(ctx context.Context) (Health, error)
	Restart(ctx context.Context, service string) error
	// Sessions returns usernames with live sessions, one entry per session.
	Sessions(ctx context.Context) ([]string, error)
}

// SystemProber is the real Prober, shelling out to pgrep/systemctl/who and
// dialing the transport port.
type SystemProber struct {
	cfg config.TransportConfig

	runCommand func(ctx context.Context, name string, args ...string) (string, error)
	dialFunc   func(addr string, timeout time.Duration) (net.Conn, error)
}

// NewSystemProber returns a Prober for the configured transport.
func NewSystemProber(cfg config.TransportConfig) *SystemProber {
	return &SystemProber{
		cfg:        cfg,
		runCommand: runCommand,
		dialFunc: func(addr string, timeout time.Duration) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, timeout)
		},
	}
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w (stderr: %s)",
			name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (p *SystemProber) processRunning(ctx context.Context, name string) bool {
	_, err := p.runCommand(ctx, "pgrep", "--exact", name)
	return err == nil
}

// Check implements Prober.
func (p *SystemProber) Check(ctx context.Context) (Health, error) {
	h := Health{
		ProxyRunning: p.processRunning(ctx, p.cfg.ProxyService),
		SSHRunning:   p.processRunning(ctx, p.cfg.SSHService),
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(p.cfg.Port))
	if conn, err := p.dialFunc(addr, 3*time.Second); err == nil {
		conn.Close()
		h.PortListening = true
	}

	if p.cfg.CertFile != "" {
		if notAfter, err := certNotAfter(p.cfg.CertFile); err == nil {
			h.CertNotAfter = notAfter
		}
	}
	return h, nil
}

// Restart implements Prober via the service manager.
func (p *SystemProber) Restart(ctx context.Context, service string) error {
	if _, err := p.runCommand(ctx, "systemctl", "restart", service); err != nil {
		return fmt.Errorf("restart %s: %w", service, err)
	}
	return nil
}

// Sessions implements Prober by parsing `who` output. Each line's first
// field is the logged-in username.
func (p *SystemProber) Sessions(ctx context.Context) ([]string, error) {
	out, err := p.runCommand(ctx, "who")
	if err != nil {
		// `who` exits nonzero on some systems when utmp is empty.
		return nil, nil
	}
	var users []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 {
			users = append(users, fields[0])
		}
	}
	return users, nil
}

// certNotAfter reads the first certificate in a PEM file and returns its
// expiry.
func certNotAfter(path string) (time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, err
	}
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return time.Time{}, fmt.Errorf("no certificate in %s", path)
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return time.Time{}, err
		}
		return cert.NotAfter, nil
	}
}
