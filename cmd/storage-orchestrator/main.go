// Точка входа Storage Orchestrator — оркестратор многоуровневого хранения
// научных файлов. Команды:
//
//	serve        — HTTP API, планировщик фоновых задач, мониторинг зависимостей (по умолчанию)
//	migrate      — применение миграций PostgreSQL
//	purge-cache  — однократная очистка просроченного кэша всех tenants
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/config"
)

func main() {
	root := newRootCommand()
	if err := root.ExecuteContext(context.Background()); err != nil {
		slog.Error("Команда завершилась с ошибкой", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "storage-orchestrator",
		Short:         "Оркестратор многоуровневого хранения научных файлов",
		Version:       config.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	root.AddCommand(newServeCommand(), newMigrateCommand(), newPurgeCacheCommand())
	return root
}

// loadConfig загружает конфигурацию и настраивает логгер.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("ошибка загрузки конфигурации: %w", err)
	}
	return cfg, config.SetupLogger(cfg), nil
}
