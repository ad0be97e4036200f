// progress.go — учёт исходов элементов пакета в рамках одного выполнения задачи.
//
// Плагин сообщает исход каждого элемента через Succeed или Fail. После возврата
// из плагина Finalize закрывает оставшиеся элементы синтетической ошибкой,
// поэтому каждый элемент пакета получает ровно один исход.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/backend"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/domain/model"
)

// finalizeTimeout — время на запись синтетических исходов после отмены задачи.
const finalizeTimeout = 30 * time.Second

var errAlreadyHandled = errors.New("исход элемента уже записан")

var jobItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "so_job_items_total",
	Help: "Количество элементов пакетов по виду и исходу (succeeded, failed, synthesized)",
}, []string{"kind", "outcome"})

// OutcomeApplier применяет исход запроса. Реализуется Lifecycle.
type OutcomeApplier interface {
	ApplyOutcome(ctx context.Context, req *model.Request, out Outcome) (OutcomeResult, error)
}

type itemState string

const (
	itemSucceeded   itemState = "succeeded"
	itemFailed      itemState = "failed"
	itemSynthesized itemState = "synthesized"
)

// ProgressReport — разбиение элементов пакета по исходам.
type ProgressReport struct {
	Succeeded   []string
	Failed      []string
	Synthesized []string
	// Unrecorded — исход не удалось записать (останутся RUNNING до восстановления)
	Unrecorded []string
}

// ProgressManager — приёмник исходов для одного пакета. D — данные успешного исхода.
type ProgressManager[D any] struct {
	subset    *model.WorkingSubset
	applier   OutcomeApplier
	toOutcome func(D) Outcome
	logger    *slog.Logger

	members map[string]*model.Request

	mu      sync.Mutex
	handled map[string]itemState
}

// NewProgressManager создаёт приёмник исходов для пакета.
func NewProgressManager[D any](
	subset *model.WorkingSubset,
	applier OutcomeApplier,
	toOutcome func(D) Outcome,
	logger *slog.Logger,
) *ProgressManager[D] {
	members := make(map[string]*model.Request, subset.Len())
	for _, req := range subset.Requests() {
		members[req.ID] = req
	}
	return &ProgressManager[D]{
		subset:    subset,
		applier:   applier,
		toOutcome: toOutcome,
		logger: logger.With(
			slog.String("subset_id", subset.ID()),
			slog.String("kind", string(subset.Kind())),
			slog.String("storage", subset.Storage()),
		),
		members: members,
		handled: make(map[string]itemState, subset.Len()),
	}
}

// Succeed записывает успешный исход элемента.
func (p *ProgressManager[D]) Succeed(ctx context.Context, req *model.Request, details D) error {
	return p.record(ctx, req.ID, p.toOutcome(details), itemSucceeded)
}

// Fail записывает неудачный исход элемента.
func (p *ProgressManager[D]) Fail(ctx context.Context, req *model.Request, cause error) error {
	if cause == nil {
		cause = errors.New("причина ошибки не указана")
	}
	return p.record(ctx, req.ID, Outcome{Cause: cause}, itemFailed)
}

func (p *ProgressManager[D]) record(ctx context.Context, id string, out Outcome, state itemState) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	member, ok := p.members[id]
	if !ok {
		return fmt.Errorf("запрос %s не входит в пакет %s", id, p.subset.ID())
	}
	if prev, done := p.handled[id]; done {
		return fmt.Errorf("%w: запрос %s (%s)", errAlreadyHandled, id, prev)
	}

	if _, err := p.applier.ApplyOutcome(ctx, member, out); err != nil {
		if !alreadyDecided(err) {
			return fmt.Errorf("ошибка записи исхода запроса %s: %w", id, err)
		}
		p.logger.Warn("Исход запроса уже применён другим путём",
			slog.String("request_id", id),
			slog.String("error", err.Error()),
		)
	}

	p.handled[id] = state
	jobItemsTotal.WithLabelValues(string(p.subset.Kind()), string(state)).Inc()
	return nil
}

// Finalize закрывает элементы без исхода ошибкой ErrUnhandledItem,
// ссылающейся на jobErr. Запись идёт в контексте без отмены:
// истечение срока задачи не должно оставить элементы без исхода.
// Возвращает число синтезированных исходов.
func (p *ProgressManager[D]) Finalize(ctx context.Context, jobErr error) int {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	var cause error
	if jobErr != nil {
		cause = fmt.Errorf("%w: %w", ErrUnhandledItem, jobErr)
	} else {
		cause = fmt.Errorf("%w: backend завершился без исхода элемента", ErrUnhandledItem)
	}

	synthesized := 0
	for _, req := range p.subset.Requests() {
		p.mu.Lock()
		_, done := p.handled[req.ID]
		p.mu.Unlock()
		if done {
			continue
		}

		if err := p.record(fctx, req.ID, Outcome{Cause: cause}, itemSynthesized); err != nil {
			p.logger.Error("Не удалось записать синтетический исход",
				slog.String("request_id", req.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		synthesized++
	}

	if synthesized > 0 {
		p.logger.Warn("Элементы пакета закрыты синтетической ошибкой",
			slog.Int("count", synthesized),
			slog.String("cause", cause.Error()),
		)
	}
	return synthesized
}

// Completed возвращает число элементов с записанным исходом.
func (p *ProgressManager[D]) Completed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handled)
}

// Total возвращает размер пакета.
func (p *ProgressManager[D]) Total() int {
	return p.subset.Len()
}

// Report возвращает разбиение элементов пакета по исходам в порядке пакета.
func (p *ProgressManager[D]) Report() ProgressReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	var r ProgressReport
	for _, req := range p.subset.Requests() {
		switch p.handled[req.ID] {
		case itemSucceeded:
			r.Succeeded = append(r.Succeeded, req.ID)
		case itemFailed:
			r.Failed = append(r.Failed, req.ID)
		case itemSynthesized:
			r.Synthesized = append(r.Synthesized, req.ID)
		default:
			r.Unrecorded = append(r.Unrecorded, req.ID)
		}
	}
	return r
}

func storedOutcome(d backend.StoredDetails) Outcome { return Outcome{Stored: d} }

func restoredOutcome(d backend.RestoredDetails) Outcome { return Outcome{Restored: d} }

func deletedOutcome(backend.DeletedDetails) Outcome { return Outcome{} }

var (
	_ backend.Progress[backend.StoredDetails]   = (*ProgressManager[backend.StoredDetails])(nil)
	_ backend.Progress[backend.RestoredDetails] = (*ProgressManager[backend.RestoredDetails])(nil)
	_ backend.Progress[backend.DeletedDetails]  = (*ProgressManager[backend.DeletedDetails])(nil)
)
