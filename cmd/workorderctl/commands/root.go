package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string
)

var (
	configPath  string
	skipMigrate bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "workorderctl",
	Short: "workorderctl - operate a work-order control plane",
	Long: `workorderctl is a thin command-line client over the work-order
control plane's engine facade: propose orders, check work out and back in,
submit whole or partial results, approve or reject completed work, and run
the maintenance tick.

It connects directly to the control plane's Postgres store (and, when
lease.backend is "keyvalue", its Redis lease store) — there is no server
process to talk to.`,
	Version:           version,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "workorder.yml", "path to the control plane's YAML configuration")
	rootCmd.PersistentFlags().BoolVar(&skipMigrate, "skip-migrate", false, "skip applying pending database migrations on startup")
}
