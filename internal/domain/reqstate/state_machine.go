// Пакет reqstate — конечный автомат статусов запросов жизненного цикла.
//
// Основной путь: TO_DO → RUNNING → DONE (строка удаляется).
// Ошибки выполнения: RUNNING → ERROR (постоянная) или RUNNING → DELAYED (временная).
// Возвраты в очередь: ERROR → TO_DO (повтор), DELAYED → TO_DO (после задержки),
// PENDING → TO_DO (блокирующий запрос завершён).
// Выход из RUNNING допустим только через результат выполнения (DONE, ERROR, DELAYED).
package reqstate

import (
	"fmt"
	"time"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/domain/model"
)

// validTransitions — матрица допустимых переходов.
var validTransitions = map[model.RequestStatus]map[model.RequestStatus]bool{
	model.StatusToDo:    {model.StatusRunning: true},
	model.StatusPending: {model.StatusToDo: true},
	model.StatusRunning: {model.StatusDone: true, model.StatusError: true, model.StatusDelayed: true},
	model.StatusError:   {model.StatusToDo: true},
	model.StatusDelayed: {model.StatusToDo: true},
	model.StatusDone:    {},
}

// InitialStatuses — статусы, с которыми запрос может быть создан.
var InitialStatuses = map[model.RequestStatus]bool{
	model.StatusToDo:    true,
	model.StatusPending: true,
}

// CanTransition проверяет допустимость перехода from → to.
func CanTransition(from, to model.RequestStatus) bool {
	return validTransitions[from][to]
}

// Transition переводит запрос в статус target и обновляет UpdatedAt.
//
// Ошибки:
//   - UNKNOWN_STATUS — целевой статус неизвестен
//   - INVALID_TRANSITION — переход недопустим
func Transition(req *model.Request, target model.RequestStatus, now time.Time) error {
	if !IsValid(target) {
		return &TransitionError{
			Code:    "UNKNOWN_STATUS",
			Message: fmt.Sprintf("недопустимый статус %q", target),
		}
	}
	if !CanTransition(req.Status, target) {
		return &TransitionError{
			Code: "INVALID_TRANSITION",
			Message: fmt.Sprintf("запрос %s: переход %s → %s недопустим",
				req.ID, req.Status, target),
		}
	}
	req.Status = target
	req.UpdatedAt = now
	return nil
}

// Terminal сообщает, что из статуса нет переходов.
func Terminal(s model.RequestStatus) bool {
	return len(validTransitions[s]) == 0
}

// TransitionError — ошибка перехода между статусами.
type TransitionError struct {
	Code    string // Машиночитаемый код (INVALID_TRANSITION, UNKNOWN_STATUS)
	Message string // Человекочитаемое описание
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsValid проверяет, является ли значение допустимым статусом.
func IsValid(s model.RequestStatus) bool {
	_, ok := validTransitions[s]
	return ok
}

// ParseStatus преобразует строку в RequestStatus.
func ParseStatus(s string) (model.RequestStatus, error) {
	st := model.RequestStatus(s)
	if !IsValid(st) {
		return "", fmt.Errorf("недопустимый статус: %q, допустимые: TO_DO, PENDING, RUNNING, ERROR, DELAYED, DONE", s)
	}
	return st, nil
}
