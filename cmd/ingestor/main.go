package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/ingestor/internal/app"
	"github.com/YaganovValera/analytics-system/ingestor/internal/config"
	"github.com/YaganovValera/analytics-system/ingestor/pkg/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ingestor: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgFile   string
		printOnly bool
	)

	root := &cobra.Command{
		Use:           "ingestor",
		Short:         "Market data ingestion and delivery pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// 1. Загрузить конфиг
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			if printOnly || cfg.Logging.DevMode {
				cfg.Print(cmd.OutOrStdout())
			}
			if printOnly {
				return nil
			}

			// 2. Логгер
			log, err := logger.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("logger init error: %w", err)
			}
			defer log.Sync()

			// 3. Контекст с отменой по сигналам
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.Info("starting service",
				zap.String("service.name", cfg.ServiceName),
				zap.String("service.version", cfg.ServiceVersion),
				zap.Strings("sinks", cfg.Sinks.Enabled()),
				zap.Int("sources", cfg.Sources.Count()),
			)

			// 4. Запуск приложения
			if err := app.Run(ctx, cfg, log); err != nil {
				log.Error("application exited with error", zap.Error(err))
				return err
			}
			log.Info("shutdown complete")
			return nil
		},
	}

	bindFlags(root.Flags(), &cfgFile, &printOnly)
	root.SetContext(context.Background())
	return root
}

func bindFlags(fs *pflag.FlagSet, cfgFile *string, printOnly *bool) {
	fs.StringVarP(cfgFile, "config", "c", "config/config.yaml", "path to config file (empty: env and defaults only)")
	fs.BoolVar(printOnly, "print-config", false, "print the resolved config with secrets redacted and exit")
}
