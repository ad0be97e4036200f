// Пакет tenant — передача текущего tenant через context.Context
// и перечисление активных tenants для планировщика.
package tenant

import (
	"context"
	"errors"
	"slices"
)

// ErrNoTenant — в контексте не задан tenant.
var ErrNoTenant = errors.New("tenant не задан в контексте")

type contextKey struct{}

// With возвращает контекст с текущим tenant.
func With(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, contextKey{}, tenant)
}

// From возвращает текущий tenant из контекста.
func From(ctx context.Context) (string, error) {
	t, ok := ctx.Value(contextKey{}).(string)
	if !ok || t == "" {
		return "", ErrNoTenant
	}
	return t, nil
}

// Provider перечисляет активные tenants.
type Provider interface {
	ActiveTenants(ctx context.Context) ([]string, error)
}

// StaticProvider — фиксированный список tenants из конфигурации.
type StaticProvider struct {
	tenants []string
}

// NewStaticProvider создаёт провайдер со списком tenants (дубликаты удаляются).
func NewStaticProvider(tenants []string) *StaticProvider {
	list := make([]string, 0, len(tenants))
	for _, t := range tenants {
		if t != "" && !slices.Contains(list, t) {
			list = append(list, t)
		}
	}
	return &StaticProvider{tenants: list}
}

// ActiveTenants возвращает копию списка.
func (p *StaticProvider) ActiveTenants(_ context.Context) ([]string, error) {
	return slices.Clone(p.tenants), nil
}

// Lister — источник списка tenants (например, таблица tenants).
type Lister interface {
	ListActive(ctx context.Context) ([]string, error)
}

// ListerProvider — Provider поверх Lister.
type ListerProvider struct {
	lister Lister
}

// NewListerProvider создаёт провайдер, читающий tenants из хранилища.
func NewListerProvider(l Lister) *ListerProvider {
	return &ListerProvider{lister: l}
}

// ActiveTenants читает активные tenants при каждом вызове.
func (p *ListerProvider) ActiveTenants(ctx context.Context) ([]string, error) {
	return p.lister.ListActive(ctx)
}
