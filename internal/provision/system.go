package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/tunnelwarden/warden/internal/store"
)

const (
	// Tunnel accounts never get an interactive shell.
	accountShell = "/bin/false"

	expiryLayout = "2006-01-02"
)

// System is the real Provisioner. It shells out to the platform user tools
// (useradd, chpasswd, usermod, pkill, userdel) and writes key material under
// the account's home directory.
type System struct {
	logger *slog.Logger

	// homeRoot is where account homes live; overridable for tests.
	homeRoot string

	// runCommand is swappable in tests. It returns combined output and an
	// error that already carries trimmed stderr.
	runCommand func(ctx context.Context, name string, args ...string) (string, error)

	// runStdin is runCommand with data piped to the child's stdin.
	runStdin func(ctx context.Context, stdin string, name string, args ...string) (string, error)
}

// NewSystem returns a Provisioner backed by the host's user management tools.
func NewSystem(logger *slog.Logger) *System {
	return &System{
		logger:     logger,
		homeRoot:   "/home",
		runCommand: runCommand,
		runStdin:   runStdin,
	}
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	return runStdin(ctx, "", name, args...)
}

func runStdin(ctx context.Context, stdin string, name string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w (stderr: %s)",
			name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

func pkillNoMatch(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode() == 1
}

func (s *System) home(username string) string {
	return filepath.Join(s.homeRoot, username)
}

func (s *System) identityExists(ctx context.Context, username string) bool {
	_, err := s.runCommand(ctx, "id", "-u", username)
	return err == nil
}

// Provision implements Provisioner. Any failure after useradd removes the
// partially created identity before returning.
func (s *System) Provision(ctx context.Context, username string, mode store.AuthMode, password string) (*Secret, error) {
	if s.identityExists(ctx, username) {
		return nil, fmt.Errorf("%w: %s", ErrIdentityExists, username)
	}

	if _, err := s.runCommand(ctx, "useradd",
		"--create-home",
		"--home-dir", s.home(username),
		"--shell", accountShell,
		username,
	); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvisionFailed, err)
	}

	secret, err := s.installCredential(ctx, username, mode, password)
	if err != nil {
		s.rollback(ctx, username)
		return nil, fmt.Errorf("%w: %v", ErrProvisionFailed, err)
	}
	return secret, nil
}

func (s *System) installCredential(ctx context.Context, username string, mode store.AuthMode, password string) (*Secret, error) {
	switch mode {
	case store.AuthPassword:
		if password == "" {
			var err error
			password, err = GeneratePassword(16)
			if err != nil {
				return nil, err
			}
		}
		if _, err := s.runStdin(ctx, username+":"+password+"\n", "chpasswd"); err != nil {
			return nil, err
		}
		return &Secret{Mode: store.AuthPassword, Password: password}, nil

	case store.AuthKey:
		privPEM, authorized, err := GenerateKeypair(username + "@warden")
		if err != nil {
			return nil, err
		}
		sshDir := filepath.Join(s.home(username), ".ssh")
		if err := os.MkdirAll(sshDir, 0o700); err != nil {
			return nil, fmt.Errorf("create credential dir: %w", err)
		}
		keyPath := filepath.Join(sshDir, "authorized_keys")
		if err := os.WriteFile(keyPath, []byte(authorized), 0o600); err != nil {
			return nil, fmt.Errorf("install authorized key: %w", err)
		}
		if _, err := s.runCommand(ctx, "chown", "-R", username+":"+username, sshDir); err != nil {
			return nil, err
		}
		// Lock the password so the key is the sole accepted credential.
		if _, err := s.runCommand(ctx, "usermod", "--lock", username); err != nil {
			return nil, err
		}
		return &Secret{Mode: store.AuthKey, PrivateKeyPEM: privPEM, AuthorizedKey: authorized}, nil

	default:
		return nil, fmt.Errorf("unknown auth mode %q", mode)
	}
}

func (s *System) rollback(ctx context.Context, username string) {
	if _, err := s.runCommand(ctx, "userdel", "--remove", username); err != nil {
		s.logger.Error("rollback of partial identity failed",
			"username", username, "error", err)
	}
}

// Deprovision implements Provisioner. An already-absent identity is treated
// as success and logged.
func (s *System) Deprovision(ctx context.Context, username string) error {
	if !s.identityExists(ctx, username) {
		s.logger.Info("identity already absent, nothing to deprovision",
			"username", username)
		return nil
	}

	// pkill exits 1 when no process matched; anything else is a real failure.
	if _, err := s.runCommand(ctx, "pkill", "--signal", "KILL", "--uid", username); err != nil {
		if pkillNoMatch(err) {
			s.logger.Debug("no live sessions to terminate", "username", username)
		} else {
			s.logger.Warn("session termination failed",
				"username", username, "error", err)
		}
	}

	if _, err := s.runCommand(ctx, "userdel", "--remove", username); err != nil {
		return fmt.Errorf("remove identity %s: %w", username, err)
	}
	return nil
}

// SetExpiry implements Provisioner using the platform account-expiration
// marker.
func (s *System) SetExpiry(ctx context.Context, username string, date time.Time) error {
	_, err := s.runCommand(ctx, "usermod",
		"--expiredate", date.UTC().Format(expiryLayout), username)
	if err != nil {
		return fmt.Errorf("set expiry for %s: %w", username, err)
	}
	return nil
}

// Inspect implements Provisioner.
func (s *System) Inspect(ctx context.Context, username string) (Presence, error) {
	var p Presence
	p.IdentityExists = s.identityExists(ctx, username)

	sshDir := filepath.Join(s.home(username), ".ssh")
	if info, err := os.Stat(sshDir); err == nil && info.IsDir() {
		p.CredentialDir = true
	}
	if _, err := os.Stat(filepath.Join(sshDir, "authorized_keys")); err == nil {
		p.AuthorizedKey = true
	}

	if p.IdentityExists {
		// passwd -S prints "<user> P ..." when a usable password is set.
		out, err := s.runCommand(ctx, "passwd", "--status", username)
		if err == nil {
			fields := strings.Fields(out)
			p.PasswordSet = len(fields) >= 2 && fields[1] == "P"
		}
	}
	return p, nil
}
