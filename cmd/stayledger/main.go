package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	appLog "stayledger/internal/log"
)

var version = "0.1.0-dev"

func main() {
	// A local .env is optional; real deployments set the environment directly.
	_ = godotenv.Load(".env")

	var configPath string

	root := &cobra.Command{
		Use:           "stayledger",
		Short:         "Reservation ledger and channel availability consolidation",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/stayledger/config.yaml", "Path to config file")

	root.AddCommand(
		serveCmd(&configPath),
		reconcileCmd(&configPath),
		exportCmd(&configPath),
		feedsCmd(&configPath),
		signCmd(&configPath),
	)

	err := root.Execute()
	appLog.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
