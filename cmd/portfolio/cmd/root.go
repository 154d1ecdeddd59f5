package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/otamoon/portfolio/internal/config"
)

// Version is stamped at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

var envFile string

var rootCmd = &cobra.Command{
	Use:     "portfolio",
	Short:   "Portfolio is the server behind the personal portfolio site",
	Version: Version,
	Long: `Serves the portfolio pages, resolves visitor sessions against the identity API,
delivers the contact form and resizes images on the fly.

Settings are read from the environment and, when present, a .env file.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to a .env file (defaults to ./.env when present)")
}

func loadConfig() (*config.Config, error) {
	return config.Load(envFile)
}
