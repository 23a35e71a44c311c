package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tunnelwarden/warden/internal/config"
)

var (
	cfgFile string
	verbose bool
)

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	rootCmd := newRootCmd(version, commit, date)
	return rootCmd.Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "warden",
		Short: "Provision and supervise time-limited tunnel access accounts",
		Long: `Warden manages time-limited accounts that reach a host through an
encrypted tunnel. It provisions platform identities with password or key
credentials, tracks them in a local record store, and runs an unattended
supervisor that sweeps expired accounts, watches tunnel health, and reports.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./warden.yaml)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory for store, locks, and logs (default: ~/.warden)")
	cmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")

	cobra.OnInitialize(initConfig)

	// Add subcommands
	cmd.AddCommand(newCreateCmd())
	cmd.AddCommand(newDeleteCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newShowCmd())
	cmd.AddCommand(newCleanupCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newMonitorCmd())
	cmd.AddCommand(newVersionCmd(version, commit, date))

	return cmd
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("warden")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.warden")
	}

	viper.SetEnvPrefix("WARDEN")
	viper.AutomaticEnv()
	config.SetDefaults(viper.GetViper())
	viper.ReadInConfig() // Ignore error - config file is optional
}
