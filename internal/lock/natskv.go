package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSKV — блокировки в JetStream KV bucket.
// TTL задаётся на весь bucket: ключ исчезает через TTL после захвата.
// Захват — kv.Create (успешен, только если ключа нет).
type NATSKV struct {
	kv  jetstream.KeyValue
	ttl time.Duration
}

// NewNATSKV открывает или создаёт bucket с TTL.
func NewNATSKV(ctx context.Context, nc *nats.Conn, bucket string, ttl time.Duration) (*NATSKV, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("ошибка инициализации JetStream: %w", err)
	}

	kv, err := js.KeyValue(ctx, bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "Блокировки планировщика Storage Orchestrator",
			TTL:         ttl,
			History:     1,
		})
		if errors.Is(err, jetstream.ErrBucketExists) {
			kv, err = js.KeyValue(ctx, bucket)
		}
		if err != nil {
			return nil, fmt.Errorf("ошибка создания KV bucket %s: %w", bucket, err)
		}
	}
	return &NATSKV{kv: kv, ttl: ttl}, nil
}

// kvKey приводит имя к допустимому ключу KV (без ':' и пробелов).
func kvKey(name string) string {
	return strings.NewReplacer(":", ".", " ", "_").Replace(name)
}

// Acquire захватывает блокировку. ttl не может превышать TTL bucket.
func (n *NATSKV) Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, bool, error) {
	if ttl > n.ttl {
		return nil, false, fmt.Errorf("TTL блокировки %s превышает TTL bucket %s", ttl, n.ttl)
	}

	holder := uuid.NewString()
	key := kvKey(name)
	rev, err := n.kv.Create(ctx, key, []byte(holder))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("ошибка захвата блокировки %s: %w", name, err)
	}
	return &natsLease{kv: n.kv, name: name, key: key, rev: rev}, true, nil
}

type natsLease struct {
	kv   jetstream.KeyValue
	name string
	key  string
	rev  uint64
}

func (l *natsLease) Name() string { return l.name }

func (l *natsLease) AssertHeld(ctx context.Context) error {
	entry, err := l.kv.Get(ctx, l.key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return ErrLockLost
		}
		return fmt.Errorf("ошибка проверки блокировки %s: %w", l.name, err)
	}
	if entry.Revision() != l.rev {
		return ErrLockLost
	}
	return nil
}

func (l *natsLease) Release(ctx context.Context) error {
	err := l.kv.Delete(ctx, l.key, jetstream.LastRevision(l.rev))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		// Блокировка уже перехвачена другим держателем
		if strings.Contains(err.Error(), "wrong last sequence") {
			return nil
		}
		return fmt.Errorf("ошибка освобождения блокировки %s: %w", l.name, err)
	}
	return nil
}
