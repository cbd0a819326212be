package main

import (
	"context"
	"fmt"
	"os"

	"commagent/internal/app"
	"commagent/internal/config"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	configPath string
)

func main() {
	root := &cobra.Command{
		Use:           "commagent",
		Short:         "Communication agent: inbound routing, templates and scheduled sends",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "./config.json", "path to config (json or yaml)")

	root.AddCommand(serveCmd())
	root.AddCommand(classifyCmd())
	root.AddCommand(scheduleCmd())
	root.AddCommand(seedCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

// buildOneShot wires the app for a single command without starting any
// background service. The caller must Close it.
func buildOneShot(ctx context.Context) (*app.App, error) {
	cfg, err := config.NewConfigManager(configPath).Load()
	if err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg)
}
