package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/tenant"
)

func newPurgeCacheCommand() *cobra.Command {
	var tenants []string
	cmd := &cobra.Command{
		Use:   "purge-cache",
		Short: "Однократная очистка просроченного кэша восстановленных файлов",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			provider := a.tenants
			if len(tenants) > 0 {
				provider = tenant.NewStaticProvider(tenants)
			}
			res, err := a.purger.PurgeAll(cmd.Context(), provider)
			if res != nil {
				logger.Info("Очистка кэша завершена",
					slog.Int("purged", res.Purged),
					slog.Int("errors", res.Errors),
					slog.Int64("freed_bytes", res.FreedBytes),
					slog.Duration("duration", res.Duration),
				)
			}
			return err
		},
	}
	cmd.Flags().StringSliceVar(&tenants, "tenant", nil, "tenants для очистки (по умолчанию все активные)")
	return cmd
}
