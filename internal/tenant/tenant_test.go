package tenant

import (
	"context"
	"errors"
	"testing"
)

// TestWithFrom проверяет передачу tenant через контекст.
func TestWithFrom(t *testing.T) {
	ctx := With(context.Background(), "solar")

	got, err := From(ctx)
	if err != nil {
		t.Fatalf("From: неожиданная ошибка: %v", err)
	}
	if got != "solar" {
		t.Errorf("From = %q, ожидался solar", got)
	}

	// Вложенный контекст не влияет на родительский
	inner := With(ctx, "lunar")
	if got, _ := From(inner); got != "lunar" {
		t.Errorf("From(inner) = %q, ожидался lunar", got)
	}
	if got, _ := From(ctx); got != "solar" {
		t.Errorf("From(ctx) после вложения = %q, ожидался solar", got)
	}
}

// TestFrom_Missing проверяет ошибку при отсутствии tenant.
func TestFrom_Missing(t *testing.T) {
	if _, err := From(context.Background()); !errors.Is(err, ErrNoTenant) {
		t.Errorf("ожидалась ErrNoTenant, получено %v", err)
	}
	if _, err := From(With(context.Background(), "")); !errors.Is(err, ErrNoTenant) {
		t.Errorf("пустой tenant: ожидалась ErrNoTenant, получено %v", err)
	}
}

// TestStaticProvider проверяет удаление дубликатов и изоляцию копии.
func TestStaticProvider(t *testing.T) {
	p := NewStaticProvider([]string{"a", "b", "a", ""})

	list, err := p.ActiveTenants(context.Background())
	if err != nil {
		t.Fatalf("ActiveTenants: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, ожидалось 2", len(list))
	}
	list[0] = "changed"

	again, _ := p.ActiveTenants(context.Background())
	if again[0] != "a" {
		t.Errorf("провайдер не должен разделять срез с вызывающим, получено %q", again[0])
	}
}

type listerFunc func(ctx context.Context) ([]string, error)

func (f listerFunc) ListActive(ctx context.Context) ([]string, error) { return f(ctx) }

// TestListerProvider проверяет делегирование источнику.
func TestListerProvider(t *testing.T) {
	p := NewListerProvider(listerFunc(func(context.Context) ([]string, error) {
		return []string{"x"}, nil
	}))
	list, err := p.ActiveTenants(context.Background())
	if err != nil || len(list) != 1 || list[0] != "x" {
		t.Errorf("ActiveTenants = %v, %v", list, err)
	}
}
