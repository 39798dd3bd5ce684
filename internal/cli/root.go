// Package cli implements the keyshop command line: the server and the
// operator commands that share its database.
package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-keyshop-backend/internal/config"
	"github.com/tbourn/go-keyshop-backend/internal/sysutil"
)

var (
	envFile string
	version = "dev"
	cfg     config.Config
	rootCmd *cobra.Command
)

func init() {
	rootCmd = &cobra.Command{
		Use:   "keyshop",
		Short: "Crypto-paid access key shop",
		Long: `keyshop sells access keys paid in BTC, ETH or USDT.

It quotes payments, watches the chain for them, expires stale ones and
delivers exactly one key per confirmed payment.`,
		PersistentPreRunE: loadConfig,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.AddCommand(serveCmd, statsCmd, confirmCmd)
}

// loadConfig reads the dotenv file (when present), the environment, and
// sets up the global logger.
func loadConfig(cmd *cobra.Command, _ []string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	c, err := config.Load()
	if err != nil {
		return err
	}
	cfg = c
	sysutil.SetupLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogPretty)
	return nil
}

// Execute runs the root command.
func Execute(v string) error {
	version = v
	rootCmd.Version = v
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}
