// Пакет event — публикация событий об исходах запросов (fire-and-forget).
package event

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/domain/model"
)

// Publisher — шина событий.
type Publisher interface {
	// Publish отправляет событие. Ошибка не влияет на исход запроса.
	Publish(ctx context.Context, ev model.FileEvent) error
	// Close освобождает ресурсы.
	Close() error
}

// Envelope — обёртка события на шине.
type Envelope struct {
	Type          string          `json:"type"`
	Version       string          `json:"version"`
	OccurredAt    time.Time       `json:"occurredAt"`
	CorrelationID string          `json:"correlationId"`
	Payload       model.FileEvent `json:"payload"`
}

// EventsPublishedTotal — опубликованные события по виду и результату.
var EventsPublishedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "storage_orchestrator_events_published_total",
		Help: "Количество опубликованных событий",
	},
	[]string{"kind", "result"},
)

// Noop — публикатор без побочных эффектов.
type Noop struct{}

// Publish ничего не делает.
func (Noop) Publish(context.Context, model.FileEvent) error { return nil }

// Close ничего не делает.
func (Noop) Close() error { return nil }

// LogPublisher пишет события в журнал (когда SO_NATS_URL не задан).
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher создаёт публикатор в журнал.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With(slog.String("component", "events"))}
}

// Publish записывает событие на уровне INFO.
func (p *LogPublisher) Publish(_ context.Context, ev model.FileEvent) error {
	p.logger.Info("Событие",
		slog.String("kind", string(ev.Kind)),
		slog.String("tenant", ev.Tenant),
		slog.String("checksum", ev.Checksum),
		slog.String("storage", ev.Storage),
		slog.Any("owners", ev.Owners),
		slog.Any("group_ids", ev.GroupIDs),
		slog.String("message", ev.Message),
	)
	EventsPublishedTotal.WithLabelValues(string(ev.Kind), "logged").Inc()
	return nil
}

// Close ничего не делает.
func (p *LogPublisher) Close() error { return nil }
