package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres — блокировки в таблице distributed_locks.
// Строка с expires_at в прошлом считается свободной и перехватывается атомарно.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres создаёт Locker поверх PostgreSQL.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Acquire захватывает блокировку через INSERT ... ON CONFLICT DO UPDATE WHERE истекла.
func (p *Postgres) Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, bool, error) {
	holder := uuid.NewString()

	var got string
	err := p.pool.QueryRow(ctx, `
		INSERT INTO distributed_locks (name, holder, expires_at)
		VALUES ($1, $2, NOW() + $3 * INTERVAL '1 millisecond')
		ON CONFLICT (name) DO UPDATE
			SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
			WHERE distributed_locks.expires_at <= NOW()
		RETURNING holder`, name, holder, ttl.Milliseconds()).Scan(&got)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("ошибка захвата блокировки %s: %w", name, err)
	}
	return &postgresLease{pool: p.pool, name: name, holder: got}, true, nil
}

type postgresLease struct {
	pool   *pgxpool.Pool
	name   string
	holder string
}

func (l *postgresLease) Name() string { return l.name }

func (l *postgresLease) AssertHeld(ctx context.Context) error {
	var held bool
	err := l.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM distributed_locks
			WHERE name = $1 AND holder = $2 AND expires_at > NOW()
		)`, l.name, l.holder).Scan(&held)
	if err != nil {
		return fmt.Errorf("ошибка проверки блокировки %s: %w", l.name, err)
	}
	if !held {
		return ErrLockLost
	}
	return nil
}

func (l *postgresLease) Release(ctx context.Context) error {
	_, err := l.pool.Exec(ctx,
		`DELETE FROM distributed_locks WHERE name = $1 AND holder = $2`, l.name, l.holder)
	if err != nil {
		return fmt.Errorf("ошибка освобождения блокировки %s: %w", l.name, err)
	}
	return nil
}
