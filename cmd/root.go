package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forked/forked/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/forked/forked/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "forked",
	Short: "Forked — a time-travel debugger for the Gateway",
	Long:  "Forked: records every agent run the Gateway emits, lets you preview and rewind the filesystem to any point in a run's history, and fork a new run from that point with an edited payload.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "host config file (default: $FORKED_CONFIG or ~/.forked/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(onboardCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("forked %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

// resolveConfigPath resolves the host config location: an explicit
// --config flag wins, then FORKED_CONFIG, then a file under the user's
// home directory.
func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("FORKED_CONFIG"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return home + "/.forked/config.json"
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "forked.db"
	}
	return home + "/.forked/forked.db"
}

func defaultIdentityPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "identity.json"
	}
	return home + "/.forked/identity.json"
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
