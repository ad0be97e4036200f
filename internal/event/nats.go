package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/domain/model"
)

// envelopeVersion — версия схемы Envelope.
const envelopeVersion = "1.0.0"

// NATSPublisher публикует события в JetStream stream.
// Subject: <prefix>.<вид события в нижнем регистре>, например storage.events.stored.
type NATSPublisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher создаёт stream (если отсутствует) и публикатор.
func NewNATSPublisher(nc *nats.Conn, stream, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("ошибка создания JetStream контекста: %w", err)
	}

	if err := initStream(js, stream, prefix); err != nil {
		return nil, err
	}

	return &NATSPublisher{
		nc:     nc,
		js:     js,
		prefix: prefix,
		logger: logger.With(slog.String("component", "events")),
	}, nil
}

// initStream создаёт stream событий. Существующий stream с тем же именем используется как есть.
func initStream(js nats.JetStreamContext, stream, prefix string) error {
	if _, err := js.StreamInfo(stream); err == nil {
		return nil
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:      stream,
		Subjects:  []string{prefix + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("ошибка создания stream %s: %w", stream, err)
	}
	return nil
}

// Subject возвращает subject для вида события.
func (p *NATSPublisher) Subject(kind model.EventKind) string {
	return p.prefix + "." + strings.ToLower(string(kind))
}

// Publish отправляет событие в stream и ждёт подтверждения.
func (p *NATSPublisher) Publish(ctx context.Context, ev model.FileEvent) error {
	envelope := Envelope{
		Type:          p.Subject(ev.Kind),
		Version:       envelopeVersion,
		OccurredAt:    ev.OccurredAt.UTC(),
		CorrelationID: uuid.NewString(),
		Payload:       ev,
	}
	if len(ev.GroupIDs) > 0 {
		envelope.CorrelationID = ev.GroupIDs[0]
	}

	b, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("ошибка сериализации события: %w", err)
	}

	if _, err := p.js.Publish(envelope.Type, b, nats.Context(ctx), nats.MsgId(ev.ID)); err != nil {
		EventsPublishedTotal.WithLabelValues(string(ev.Kind), "error").Inc()
		p.logger.Warn("Ошибка публикации события",
			slog.String("kind", string(ev.Kind)),
			slog.String("checksum", ev.Checksum),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("ошибка публикации события %s: %w", ev.Kind, err)
	}

	EventsPublishedTotal.WithLabelValues(string(ev.Kind), "ok").Inc()
	return nil
}

// Close закрывает подключение к NATS.
func (p *NATSPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// ConnChecker — readiness-проверка подключения к NATS.
type ConnChecker struct {
	nc *nats.Conn
}

// NewConnChecker создаёт проверку подключения.
func NewConnChecker(nc *nats.Conn) *ConnChecker {
	return &ConnChecker{nc: nc}
}

// CheckReady возвращает ok для CONNECTED, degraded при переподключении, иначе fail.
func (c *ConnChecker) CheckReady() (status, message string) {
	switch s := c.nc.Status(); s {
	case nats.CONNECTED:
		return "ok", ""
	case nats.RECONNECTING, nats.CONNECTING:
		return "degraded", "NATS: " + s.String()
	default:
		return "fail", "NATS: " + s.String()
	}
}

// Connect подключается к NATS с бесконечным переподключением.
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Соединение с NATS потеряно", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Соединение с NATS восстановлено", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к NATS %s: %w", url, err)
	}
	return nc, nil
}
