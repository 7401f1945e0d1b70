package main

import (
	"os"
	"os/signal"
	"syscall"

	"decision-whiteboard/internal/bootstrap"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "whiteboardd",
		Short:         "Decision whiteboard server",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, live editing hub and save worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bootstrap.LoadConfig()
			if err != nil {
				return err
			}
			app, err := bootstrap.NewApp(cfg)
			if err != nil {
				logrus.WithError(err).Error("Failed to initialize application")
				return err
			}
			if err := app.Start(); err != nil {
				app.Shutdown()
				return err
			}

			// 等待退出信号后优雅关闭
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit
			logrus.Info("Shutdown signal received...")
			app.Shutdown()
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bootstrap.LoadConfig()
			if err != nil {
				return err
			}
			if err := bootstrap.Migrate(cfg); err != nil {
				return err
			}
			logrus.Info("Database migrated")
			return nil
		},
	}
}
