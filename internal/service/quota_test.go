package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/domain/model"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/repository/memstore"
)

func openString(s string) Opener {
	return func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(s)), nil
	}
}

func openRaw(t *testing.T, q *QuotaService, tenantID, user string) error {
	t.Helper()
	rc, err := q.Open(context.Background(), tenantID, user, model.TypeRawData, openString("raw"))
	if err != nil {
		return err
	}
	require.NoError(t, rc.Close())
	return nil
}

// TestQuota_MaxRawDownloads проверяет ограничение числа скачиваний raw data.
func TestQuota_MaxRawDownloads(t *testing.T) {
	q := NewQuotaService(memstore.New(), QuotaConfig{MaxRawDownloads: 2, MaxConcurrent: -1}, testLogger())
	ctx := context.Background()

	for range 2 {
		require.NoError(t, openRaw(t, q, "t1", "alice"))
	}
	assert.ErrorIs(t, openRaw(t, q, "t1", "alice"), ErrQuotaExceeded)

	// Квота считается отдельно для пользователя и tenant
	require.NoError(t, openRaw(t, q, "t1", "bob"))
	require.NoError(t, openRaw(t, q, "t2", "alice"))

	usage, err := q.Usage(ctx, "t1", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), usage.RawDownloads)
	assert.Equal(t, int64(2), usage.MaxRawDownloads)
}

// TestQuota_FailedOpenNotCharged проверяет, что неудачное открытие не расходует квоту.
func TestQuota_FailedOpenNotCharged(t *testing.T) {
	q := NewQuotaService(memstore.New(), QuotaConfig{MaxRawDownloads: 1, MaxConcurrent: 1}, testLogger())
	ctx := context.Background()

	boom := errors.New("файл кэша пропал")
	_, err := q.Open(ctx, "t1", "alice", model.TypeRawData, func(context.Context) (io.ReadCloser, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	usage, err := q.Usage(ctx, "t1", "alice")
	require.NoError(t, err)
	assert.Zero(t, usage.RawDownloads)
	assert.Zero(t, usage.Active)

	require.NoError(t, openRaw(t, q, "t1", "alice"))
	assert.ErrorIs(t, openRaw(t, q, "t1", "alice"), ErrQuotaExceeded)
}

// TestQuota_LimitCheckedBeforeOpen проверяет отказ без обращения к источнику.
func TestQuota_LimitCheckedBeforeOpen(t *testing.T) {
	q := NewQuotaService(memstore.New(), QuotaConfig{MaxRawDownloads: 0, MaxConcurrent: -1}, testLogger())

	_, err := q.Open(context.Background(), "t1", "alice", model.TypeRawData, func(context.Context) (io.ReadCloser, error) {
		t.Error("источник не должен открываться при исчерпанной квоте")
		return nil, errors.New("unexpected")
	})
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

// TestQuota_MaxConcurrent проверяет ограничение одновременных потоков.
func TestQuota_MaxConcurrent(t *testing.T) {
	q := NewQuotaService(memstore.New(), QuotaConfig{MaxRawDownloads: -1, MaxConcurrent: 1}, testLogger())
	ctx := context.Background()

	rc, err := q.Open(ctx, "t1", "alice", model.TypeRawData, openString("data"))
	require.NoError(t, err)

	assert.ErrorIs(t, openRaw(t, q, "t1", "alice"), ErrQuotaExceeded)

	usage, err := q.Usage(ctx, "t1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, usage.Active)

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
	require.NoError(t, rc.Close())
	require.NoError(t, rc.Close())

	usage, err = q.Usage(ctx, "t1", "alice")
	require.NoError(t, err)
	assert.Zero(t, usage.Active)
	assert.NoError(t, openRaw(t, q, "t1", "alice"))
}

// TestQuota_OtherTypesNotLimited проверяет, что прочие типы только измеряются.
func TestQuota_OtherTypesNotLimited(t *testing.T) {
	q := NewQuotaService(memstore.New(), QuotaConfig{MaxRawDownloads: 0, MaxConcurrent: 0}, testLogger())
	ctx := context.Background()

	for range 3 {
		rc, err := q.Open(ctx, "t1", "alice", model.TypeDocument, openString("doc"))
		require.NoError(t, err)
		require.NoError(t, rc.Close())
	}
	usage, err := q.Usage(ctx, "t1", "alice")
	require.NoError(t, err)
	assert.Zero(t, usage.RawDownloads)
}

// TestQuota_AnonymousUser проверяет учёт скачиваний без пользователя.
func TestQuota_AnonymousUser(t *testing.T) {
	q := NewQuotaService(memstore.New(), QuotaConfig{MaxRawDownloads: -1, MaxConcurrent: -1}, testLogger())
	require.NoError(t, openRaw(t, q, "t1", ""))

	usage, err := q.Usage(context.Background(), "t1", "")
	require.NoError(t, err)
	assert.Equal(t, AnonymousUser, usage.User)
	assert.Equal(t, int64(1), usage.RawDownloads)
}
