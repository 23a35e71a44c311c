package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage warden configuration",
		Long:  "Initialize a default configuration file or display the current effective configuration.",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

// ---------- config init ----------

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default warden.yaml configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing config file")

	return cmd
}

const defaultConfig = `# Warden Configuration

# Maximum number of simultaneously managed accounts.
max_users: 50

# Expiry applied when 'create' is called without a day count.
default_expire_days: 30

# Credential policy. require_key_auth: true rejects password-mode accounts.
allow_password_auth: true
require_key_auth: false
min_password_length: 12

transport:
  port: 443
  proxy_service: stunnel4
  ssh_service: sshd
  cert_file: /etc/stunnel/stunnel.pem

# Outbound mail for supervisor alerts. Disabled while host is empty.
notify:
  host: ""
  port: 25
  from: warden@localhost
  to: ops@localhost

monitor:
  cron_schedule: "*/10 * * * *"
  expiring_horizon_days: 3
  cert_warn_days: 14
`

func runConfigInit(force bool) error {
	const path = "warden.yaml"
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := os.WriteFile(path, []byte(defaultConfig), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

// ---------- config show ----------

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow()
		},
	}
}

func runConfigShow() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	fmt.Print(string(out))
	return nil
}
