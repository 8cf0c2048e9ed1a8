// Package main implements the mediacache CLI: the store+proxy server
// process and the download tooling around it.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Build-time variables set by ldflags
var (
	version    = "dev"
	buildTime  = "unknown"
	commitHash = "unknown"
)

var (
	flagDataDir string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "mediacache",
	Short: "Offline media cache and download engine for signage players",
	Long: `mediacache fronts a CMS content server with a durable local store:
it downloads large media in prioritized chunks, survives restarts and
signed-URL expiry, and serves cached bytes to renderer clients over
HTTP with full Range support.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if flagVerbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mediacache %s\n", version)
		fmt.Printf("Built: %s\n", buildTime)
		fmt.Printf("Commit: %s\n", commitHash)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "./data", "Store data directory")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
