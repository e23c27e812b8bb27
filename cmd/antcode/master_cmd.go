package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/antcode/antcode/pkg/config"
	"github.com/antcode/antcode/pkg/master"
)

var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "Run the AntCode master process (scheduler, dispatcher, HTTP API)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		m, err := master.New(cfg)
		if err != nil {
			return fmt.Errorf("construct master: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return m.Run(ctx)
	},
}
