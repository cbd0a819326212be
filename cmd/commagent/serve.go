package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"commagent/internal/app"
	"commagent/internal/seed"
	"commagent/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var (
		seedFile    string
		stopTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), seedFile, stopTimeout)
		},
	}
	cmd.Flags().StringVar(&seedFile, "seed", "", "fixtures to load before starting (useful with the memory store)")
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 30*time.Second, "upper bound for graceful shutdown")
	return cmd
}

func runServe(parent context.Context, seedFile string, stopTimeout time.Duration) error {
	if parent == nil {
		parent = context.Background()
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.New(parent, configPath)
	if err != nil {
		return err
	}
	log := a.Logger()

	if seedFile != "" {
		if err := loadSeed(parent, a, seedFile); err != nil {
			_ = a.Close()
			return err
		}
	}

	if err := a.Start(parent); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		log.Debug("sd_notify ready sent")
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		switch sig {
		case os.Interrupt:
			reason = app.StopSIGINT
		case syscall.SIGTERM:
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
		if err := a.Err(); err != nil {
			log.Error("runtime failed", logx.Err(err))
		} else {
			reason = app.StopAppStop
		}
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	err = a.Stop(ctx, reason)
	if reason == app.StopFatalError && a.Err() != nil {
		return a.Err()
	}
	return err
}

func loadSeed(ctx context.Context, a *app.App, path string) error {
	f, err := seed.LoadFile(path)
	if err != nil {
		return err
	}
	// Triggers are built by Start; no rebuild needed here.
	sum, err := seed.Apply(ctx, a.Store(), f, nil, time.Now().UTC())
	if err != nil {
		return err
	}
	a.Logger().Info("fixtures loaded",
		logx.String("file", path),
		logx.Int("tenants", sum.Tenants),
		logx.Int("templates", sum.Templates),
	)
	return nil
}
