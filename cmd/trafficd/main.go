package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/orchestrator"
)

var (
	configFile string
	dataDir    string
	logLevel   string

	version = "v0.1.0" // injected by -ldflags during build
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "trafficd",
		Short:   "Transparent gateway traffic analyzer",
		Long:    "trafficd attaches endpoint devices to a managed access point, redirects their HTTP/HTTPS and DNS traffic through an in-process interceptor, and analyzes every observed flow for security findings.",
		Version: version,
		RunE:    runServe,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory path (default: ~/.trafficd)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		if remediation := orchestrator.RemediationOf(err); remediation != "" {
			fmt.Fprintf(os.Stderr, "error: %v\nremediation: %s\n", err, remediation)
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(orchestrator.ExitCodeFor(err))
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(version)
		},
	}
}
