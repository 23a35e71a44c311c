package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tunnelwarden/warden/internal/store"
	"github.com/tunnelwarden/warden/internal/transport"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize tunnel health and the account population",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus()
		},
	}
}

func runStatus() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	prober := transport.NewSystemProber(cfg.Transport)
	health, err := prober.Check(context.Background())
	if err != nil {
		return err
	}

	upDown := func(b bool) string {
		if b {
			return "up"
		}
		return "DOWN"
	}

	fmt.Println("Transport")
	fmt.Printf("  Proxy (%s):   %s\n", cfg.Transport.ProxyService, upDown(health.ProxyRunning))
	fmt.Printf("  SSH (%s):       %s\n", cfg.Transport.SSHService, upDown(health.SSHRunning))
	fmt.Printf("  Port %d:        %s\n", cfg.Transport.Port, upDown(health.PortListening))
	if days, known := health.CertDaysLeft(time.Now()); known {
		if days < 0 {
			fmt.Printf("  Certificate:     EXPIRED %d days ago\n", -days)
		} else {
			fmt.Printf("  Certificate:     expires in %d days\n", days)
		}
	}

	st := store.New(cfg.StorePath())
	records, err := st.Scan()
	if err != nil {
		return err
	}
	now := time.Now()
	expired := 0
	for _, rec := range records {
		if rec.Expired(now) {
			expired++
		}
	}

	fmt.Println()
	fmt.Println("Accounts")
	fmt.Printf("  Total:   %d of %d\n", len(records), cfg.MaxUsers)
	fmt.Printf("  Expired: %d (run 'warden cleanup' to remove)\n", expired)
	return nil
}
