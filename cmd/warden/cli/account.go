package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tunnelwarden/warden/internal/store"
)

// ---------- create ----------

func newCreateCmd() *cobra.Command {
	var (
		passwordMode bool
		askPass      bool
	)

	cmd := &cobra.Command{
		Use:   "create <username> [days]",
		Short: "Create a time-limited tunnel account",
		Long: `Provision a new account with a platform identity and credential
material. Key mode (the default) generates an ed25519 keypair; --password
generates a password instead. The secret is shown once and cannot be
retrieved again.`,
		Example: `  warden create alice
  warden create alice 7
  warden create bob 30 --password
  warden create bob --password --ask-pass`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			days := 0
			if len(args) == 2 {
				n, err := strconv.Atoi(args[1])
				if err != nil || n < 1 {
					return fmt.Errorf("days must be a positive integer, got %q", args[1])
				}
				days = n
			}
			return runCreate(args[0], days, passwordMode, askPass)
		},
	}

	cmd.Flags().BoolVar(&passwordMode, "password", false, "Use password authentication instead of a keypair")
	cmd.Flags().BoolVar(&askPass, "ask-pass", false, "Prompt for the password instead of generating one (implies --password)")

	return cmd
}

func runCreate(username string, days int, passwordMode, askPass bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()
	mgr := newManager(cfg, logger)

	mode := store.AuthKey
	if passwordMode || askPass {
		mode = store.AuthPassword
	}

	password := ""
	if askPass {
		password, err = promptPassword(cfg.MinPasswordLength)
		if err != nil {
			return err
		}
	}

	result, err := mgr.Create(context.Background(), username, days, mode, password)
	if err != nil {
		return err
	}

	fmt.Printf("Account created: %s\n", result.Record.Username)
	fmt.Printf("  Created:  %s\n", result.Record.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("  Expires:  %s\n", result.Record.ExpiresAt.Format("2006-01-02"))
	fmt.Printf("  Mode:     %s\n", result.Secret.Mode)
	fmt.Println()

	switch result.Secret.Mode {
	case store.AuthPassword:
		fmt.Printf("  Password: %s\n", result.Secret.Password)
	case store.AuthKey:
		fmt.Println("  Private key (deliver to the user, then delete):")
		fmt.Println()
		fmt.Print(result.Secret.PrivateKeyPEM)
	}
	fmt.Println()
	fmt.Println("  Save this credential now - it cannot be retrieved again.")
	return nil
}

func promptPassword(minLength int) (string, error) {
	fmt.Print("Password: ")
	pwBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	fmt.Print("Confirm:  ")
	confirmBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	if string(pwBytes) != string(confirmBytes) {
		return "", fmt.Errorf("passwords do not match")
	}
	if len(pwBytes) < minLength {
		return "", fmt.Errorf("password must be at least %d characters", minLength)
	}
	return string(pwBytes), nil
}

// ---------- delete ----------

func newDeleteCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <username>",
		Short: "Delete an account and its platform identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(args[0], yes)
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Skip the confirmation prompt")

	return cmd
}

func runDelete(username string, yes bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()
	mgr := newManager(cfg, logger)

	if !yes {
		fmt.Printf("Delete account %q and terminate its sessions? [y/N] ", username)
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	if err := mgr.Delete(context.Background(), username); err != nil {
		return err
	}
	fmt.Printf("Deleted account %q\n", username)
	return nil
}

// ---------- list ----------

func newListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all managed accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runList(jsonOutput bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()
	mgr := newManager(cfg, logger)

	entries, err := mgr.List(context.Background())
	if err != nil {
		return err
	}

	type accountRow struct {
		Username  string `json:"username"`
		CreatedAt string `json:"created_at"`
		ExpiresAt string `json:"expires_at"`
		Status    string `json:"status"`
		Mode      string `json:"mode,omitempty"`
	}

	rows := make([]accountRow, len(entries))
	for i, e := range entries {
		rows[i] = accountRow{
			Username:  e.Record.Username,
			CreatedAt: e.Record.CreatedAt.Format("2006-01-02 15:04:05"),
			ExpiresAt: e.Record.ExpiresAt.Format("2006-01-02"),
			Status:    string(e.Status),
			Mode:      string(e.Mode),
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Println("No accounts. Use 'warden create' to add one.")
		return nil
	}

	fmt.Printf("%-20s %-20s %-12s %-10s %-10s\n", "USERNAME", "CREATED", "EXPIRES", "STATUS", "MODE")
	fmt.Printf("%-20s %-20s %-12s %-10s %-10s\n", "--------", "-------", "-------", "------", "----")
	for _, r := range rows {
		fmt.Printf("%-20s %-20s %-12s %-10s %-10s\n", r.Username, r.CreatedAt, r.ExpiresAt, r.Status, r.Mode)
	}
	return nil
}

// ---------- show ----------

func newShowCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show <username>",
		Short: "Show one account, including platform-level state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(args[0], jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runShow(username string, jsonOutput bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()
	mgr := newManager(cfg, logger)

	detail, err := mgr.Show(context.Background(), username)
	if err != nil {
		return err
	}

	if jsonOutput {
		out := map[string]any{
			"username":        detail.Record.Username,
			"created_at":      detail.Record.CreatedAt.Format("2006-01-02 15:04:05"),
			"expires_at":      detail.Record.ExpiresAt.Format("2006-01-02"),
			"status":          string(detail.Status),
			"identity_exists": detail.Presence.IdentityExists,
			"credential_dir":  detail.Presence.CredentialDir,
			"auth_mode":       string(detail.Presence.Mode()),
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	yn := func(b bool) string {
		if b {
			return "yes"
		}
		return "no"
	}

	fmt.Printf("Account %s\n", detail.Record.Username)
	fmt.Printf("  Created:         %s\n", detail.Record.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("  Expires:         %s\n", detail.Record.ExpiresAt.Format("2006-01-02"))
	fmt.Printf("  Status:          %s\n", detail.Status)
	fmt.Printf("  Identity:        %s\n", yn(detail.Presence.IdentityExists))
	fmt.Printf("  Credential dir:  %s\n", yn(detail.Presence.CredentialDir))
	if mode := detail.Presence.Mode(); mode != "" {
		fmt.Printf("  Auth mode:       %s\n", mode)
	} else {
		fmt.Printf("  Auth mode:       none installed\n")
	}
	if detail.Status == store.StatusDeleted {
		fmt.Println()
		fmt.Println("  Warning: record exists but the platform identity is gone (drift).")
	}
	return nil
}

// ---------- cleanup ----------

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove every account whose expiry date has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanup()
		},
	}
}

func runCleanup() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()
	mgr := newManager(cfg, logger)

	removed, err := mgr.Cleanup(context.Background())
	if err != nil {
		return err
	}
	if len(removed) == 0 {
		fmt.Println("No expired accounts.")
		return nil
	}
	fmt.Printf("Removed %d expired account(s): %s\n", len(removed), strings.Join(removed, ", "))
	return nil
}
