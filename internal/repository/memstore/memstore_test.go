package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/domain/model"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/repository"
)

func storageRequest(id, checksum, storage string, owners ...string) *model.Request {
	return &model.Request{
		ID:       id,
		Tenant:   "t1",
		Kind:     model.KindStorage,
		Status:   model.StatusToDo,
		Checksum: checksum,
		Storage:  storage,
		Owners:   owners,
	}
}

// TestRunInTx_RollbackOnError проверяет откат состояния при ошибке.
func TestRunInTx_RollbackOnError(t *testing.T) {
	s := New()
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.RunInTx(ctx, func(r repository.Repositories) error {
		if err := r.Requests.Insert(ctx, storageRequest("r1", "abc", "S1", "alice")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.Repos().Requests.GetByID(ctx, "t1", "r1")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	// Владелец освобождён откатом
	err = s.RunInTx(ctx, func(r repository.Repositories) error {
		return r.Requests.Insert(ctx, storageRequest("r2", "abc", "S1", "alice"))
	})
	assert.NoError(t, err)
}

// TestRequestRepo_Conflict проверяет уникальность (kind, checksum, storage, owner).
func TestRequestRepo_Conflict(t *testing.T) {
	s := New()
	ctx := context.Background()
	repo := s.Repos().Requests

	require.NoError(t, repo.Insert(ctx, storageRequest("r1", "abc", "S1", "alice")))
	err := repo.Insert(ctx, storageRequest("r2", "abc", "S1", "alice", "bob"))
	assert.ErrorIs(t, err, repository.ErrConflict)

	// Частичной вставки нет: bob свободен
	assert.NoError(t, repo.Insert(ctx, storageRequest("r3", "abc", "S1", "bob")))
	// Другое место хранения — другой ключ
	assert.NoError(t, repo.Insert(ctx, storageRequest("r4", "abc", "S2", "alice")))

	require.NoError(t, repo.Delete(ctx, "t1", "r1"))
	assert.NoError(t, repo.Insert(ctx, storageRequest("r5", "abc", "S1", "alice")))
}

// TestRequestRepo_ClaimBatchOrder проверяет выбор самых старых запросов.
func TestRequestRepo_ClaimBatchOrder(t *testing.T) {
	s := New()
	ctx := context.Background()
	repo := s.Repos().Requests

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"r-late", "r-early", "r-mid"} {
		req := storageRequest(id, "c-"+id, "S1", "alice")
		submitted := base.Add(time.Duration([]int{3, 1, 2}[i]) * time.Minute)
		req.SubmittedAt = &submitted
		require.NoError(t, repo.Insert(ctx, req))
	}
	// Запрос другого места хранения не попадает в пакет
	require.NoError(t, repo.Insert(ctx, storageRequest("r-other", "x", "S2", "alice")))

	claimed, err := repo.ClaimBatch(ctx, "t1", model.KindStorage, "S1", 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "r-early", claimed[0].ID)
	assert.Equal(t, "r-mid", claimed[1].ID)
	assert.Equal(t, model.StatusRunning, claimed[0].Status)

	storages, err := repo.StoragesWithStatus(ctx, "t1", model.KindStorage, model.StatusToDo)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"S1", "S2"}, storages)
}

// TestRequestRepo_ReleaseAndRetry проверяет возврат DELAYED и ERROR в TO_DO.
func TestRequestRepo_ReleaseAndRetry(t *testing.T) {
	s := New()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })
	ctx := context.Background()
	repo := s.Repos().Requests

	delayed := storageRequest("r1", "a", "S1", "alice")
	failed := storageRequest("r2", "b", "S1", "alice")
	require.NoError(t, repo.Insert(ctx, delayed))
	require.NoError(t, repo.Insert(ctx, failed))

	delayed.Status = model.StatusDelayed
	delayed.Attempts = 1
	require.NoError(t, repo.UpdateStatus(ctx, delayed))
	failed.Status = model.StatusError
	failed.ErrorCause = "нет файла"
	failed.Attempts = 3
	require.NoError(t, repo.UpdateStatus(ctx, failed))

	n, err := repo.ReleaseDelayed(ctx, "t1", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "задержка ещё не истекла")

	n, err = repo.ReleaseDelayed(ctx, "t1", now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = repo.RetryErrors(ctx, "t1", repository.RequestFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := repo.GetByID(ctx, "t1", "r2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusToDo, got.Status)
	assert.Empty(t, got.ErrorCause)
	assert.Zero(t, got.Attempts)
}

// TestFileRepo_Owners проверяет добавление и удаление владельцев.
func TestFileRepo_Owners(t *testing.T) {
	s := New()
	ctx := context.Background()
	repo := s.Repos().Files

	ref := &model.FileReference{
		ID:       "f1",
		Tenant:   "t1",
		MetaInfo: model.FileMetaInfo{Checksum: "abc123"},
		Location: model.FileLocation{Storage: "S1"},
		Owners:   []string{"alice"},
	}
	require.NoError(t, repo.Create(ctx, ref))

	dup := *ref
	dup.ID = "f2"
	assert.ErrorIs(t, repo.Create(ctx, &dup), repository.ErrConflict)

	added, err := repo.AddOwners(ctx, "t1", "f1", []string{"alice", "bob"})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, added)

	remaining, err := repo.RemoveOwners(ctx, "t1", "f1", []string{"alice", "bob"})
	require.NoError(t, err)
	assert.Zero(t, remaining)

	_, err = repo.AddOwners(ctx, "t2", "f1", []string{"x"})
	assert.ErrorIs(t, err, repository.ErrNotFound)

	items, total, err := repo.Search(ctx, "t1", repository.FileFilter{Checksum: "abc123"}, repository.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, items, 1)
}

// TestCacheRepo_ExpiredExcluded проверяет, что просроченная запись не разрешается.
func TestCacheRepo_ExpiredExcluded(t *testing.T) {
	s := New()
	ctx := context.Background()
	repo := s.Repos().Caches
	now := time.Now()

	require.NoError(t, repo.Upsert(ctx, &model.CacheFile{Tenant: "t1", Checksum: "old", FileSize: 3, ExpirationDate: now.Add(-time.Second)}))
	require.NoError(t, repo.Upsert(ctx, &model.CacheFile{Tenant: "t1", Checksum: "new", FileSize: 4, ExpirationDate: now.Add(time.Hour)}))

	_, err := repo.GetValid(ctx, "t1", "old", now)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = repo.GetValid(ctx, "t1", "new", now)
	assert.NoError(t, err)

	expired, err := repo.ListExpired(ctx, "t1", now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].Checksum)

	total, err := repo.TotalSize(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), total)
}

// TestRequestRepo_ExistsInFlight проверяет, что запросы в ERROR не считаются выполняющимися.
func TestRequestRepo_ExistsInFlight(t *testing.T) {
	s := New()
	ctx := context.Background()
	repo := s.Repos().Requests

	del := storageRequest("d1", "abc", "S1", "alice")
	del.Kind = model.KindDeletion
	require.NoError(t, repo.Insert(ctx, del))

	for _, tc := range []struct {
		status model.RequestStatus
		want   bool
	}{
		{model.StatusToDo, true},
		{model.StatusRunning, true},
		{model.StatusDelayed, true},
		{model.StatusError, false},
	} {
		del.Status = tc.status
		require.NoError(t, repo.UpdateStatus(ctx, del))
		got, err := repo.ExistsInFlight(ctx, "t1", model.KindDeletion, "abc", "S1")
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, tc.status)
	}

	got, err := repo.ExistsInFlight(ctx, "t1", model.KindStorage, "abc", "S1")
	require.NoError(t, err)
	assert.False(t, got)
}
