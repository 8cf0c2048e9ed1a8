package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/xibo-players/mediacache/pkg/api"
	"github.com/xibo-players/mediacache/pkg/constants"
	"github.com/xibo-players/mediacache/pkg/metrics"
	"github.com/xibo-players/mediacache/pkg/playerconfig"
	"github.com/xibo-players/mediacache/pkg/store"
)

var (
	flagPWAPath string
	flagPort    int
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Run the store server and origin proxy",
	Run: func(cmd *cobra.Command, args []string) {
		if flagPWAPath == "" {
			fmt.Fprintln(os.Stderr, "Error: --pwa-path is required")
			os.Exit(1)
		}
		if err := runProxy(); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
	},
}

func init() {
	proxyCmd.Flags().StringVar(&flagPWAPath, "pwa-path", "", "Directory of the player web app (required)")
	proxyCmd.Flags().IntVar(&flagPort, "port", constants.DefaultProxyPort, "Listen port")
	rootCmd.AddCommand(proxyCmd)
}

func runProxy() error {
	log := logrus.NewEntry(logrus.StandardLogger())

	st, err := store.New(store.Config{Root: flagDataDir, Logger: log})
	if err != nil {
		return err
	}
	if _, err := st.SweepTemp(); err != nil {
		log.WithError(err).Warn("temp sweep failed")
	}

	pcfg := playerconfig.NewManager(filepath.Join(flagDataDir, "config.json"))
	if err := pcfg.Load(); err != nil {
		log.WithError(err).Warn("could not load saved configuration")
	}

	srv := api.NewServer(api.Config{
		Store:        st,
		PlayerConfig: pcfg,
		Metrics:      metrics.New(),
		PWAPath:      flagPWAPath,
		Logger:       log,
	})
	defer srv.Close()

	return srv.ListenAndServe(fmt.Sprintf(":%d", flagPort))
}
