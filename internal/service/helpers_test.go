package service

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/backend"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/backend/localfs"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/domain/model"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/lock"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/repository"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/repository/memstore"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/tenant"
)

const testTenant = "t1"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingPublisher запоминает опубликованные события.
type recordingPublisher struct {
	mu     sync.Mutex
	events []model.FileEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev model.FileEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Kinds() []model.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.EventKind, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (p *recordingPublisher) Has(kind model.EventKind) bool {
	return slices.Contains(p.Kinds(), kind)
}

// mockBackend — backend с подменяемыми операциями.
type mockBackend struct {
	storeFn    func(ctx context.Context, subset *model.WorkingSubset, src backend.Source, p backend.Progress[backend.StoredDetails]) error
	deleteFn   func(ctx context.Context, subset *model.WorkingSubset, p backend.Progress[backend.DeletedDetails]) error
	downloadFn func(ctx context.Context, ref *model.FileReference) (io.ReadCloser, error)
}

func (m *mockBackend) Store(ctx context.Context, subset *model.WorkingSubset, src backend.Source, p backend.Progress[backend.StoredDetails]) error {
	if m.storeFn == nil {
		return nil
	}
	return m.storeFn(ctx, subset, src, p)
}

func (m *mockBackend) Delete(ctx context.Context, subset *model.WorkingSubset, p backend.Progress[backend.DeletedDetails]) error {
	if m.deleteFn == nil {
		return nil
	}
	return m.deleteFn(ctx, subset, p)
}

func (m *mockBackend) Download(ctx context.Context, ref *model.FileReference) (io.ReadCloser, error) {
	return m.downloadFn(ctx, ref)
}

// testEnv — сервисный слой поверх memstore, lock.Memory и localfs.
type testEnv struct {
	t          *testing.T
	ctx        context.Context
	store      *memstore.Store
	registry   *Registry
	events     *recordingPublisher
	lifecycle  *Lifecycle
	quota      *QuotaService
	cache      *CacheManager
	runner     *JobRunner
	dispatcher *Dispatcher
	locker     *lock.Memory
	dir        string
}

type envOption func(*envOptions)

type envOptions struct {
	lifecycle LifecycleConfig
	quota     QuotaConfig
}

func withLifecycle(cfg LifecycleConfig) envOption {
	return func(o *envOptions) { o.lifecycle = cfg }
}

func withQuota(cfg QuotaConfig) envOption {
	return func(o *envOptions) { o.quota = cfg }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	o := envOptions{
		lifecycle: LifecycleConfig{RetryDelay: time.Minute, MaxAttempts: 3, StaleRunningAfter: 10 * time.Minute},
		quota:     QuotaConfig{MaxRawDownloads: -1, MaxConcurrent: -1},
	}
	for _, opt := range opts {
		opt(&o)
	}

	logger := testLogger()
	e := &testEnv{
		t:      t,
		ctx:    tenant.With(context.Background(), testTenant),
		store:  memstore.New(),
		events: &recordingPublisher{},
		locker: lock.NewMemory(),
		dir:    t.TempDir(),
	}
	e.registry = NewRegistry(nil, logger)
	e.lifecycle = NewLifecycle(e.store, e.registry, e.events, o.lifecycle, logger)
	e.quota = NewQuotaService(e.store, o.quota, logger)
	e.cache = NewCacheManager(e.store, e.registry, e.lifecycle, e.quota, CacheConfig{
		Dir: filepath.Join(e.dir, "cache"),
		TTL: time.Hour,
	}, logger)
	e.runner = NewJobRunner(e.store, e.registry, e.lifecycle, e.cache, nil, 2, logger)
	e.dispatcher = NewDispatcher(e.lifecycle, e.cache, e.runner, DispatchConfig{
		BatchSize: 10, MaxBatchesPerTick: 5, Concurrency: 2,
	}, logger)
	return e
}

// addLocalfs регистрирует место хранения localfs и возвращает его корень.
func (e *testEnv) addLocalfs(name string, tier model.Tier, priority int) string {
	e.t.Helper()

	root := filepath.Join(e.dir, "storages", name)
	verify := false
	s, err := localfs.New(name, localfs.Params{Root: root, VerifyChecksum: &verify}, testLogger())
	require.NoError(e.t, err)

	var b *backend.Backend
	switch tier {
	case model.TierNearline:
		b = backend.NewNearline(name, s)
	case model.TierOffline:
		b = backend.NewOffline(name, s)
	default:
		b = backend.NewOnline(name, s)
	}
	cfg := model.StorageLocationConfig{Name: name, Tier: tier, Plugin: localfs.PluginName, Priority: priority, Active: true}
	require.NoError(e.t, e.registry.RegisterBackend(cfg, b))
	return root
}

// addMock регистрирует ONLINE место хранения с mock-backend-ом.
func (e *testEnv) addMock(name string, m *mockBackend) {
	e.t.Helper()
	cfg := model.StorageLocationConfig{Name: name, Tier: model.TierOnline, Plugin: "mock", Active: true}
	require.NoError(e.t, e.registry.RegisterBackend(cfg, backend.NewOnline(name, m)))
}

// originFile создаёт исходный файл для запроса на сохранение.
func (e *testEnv) originFile(name, content string) string {
	e.t.Helper()
	path := filepath.Join(e.dir, "origin", name)
	require.NoError(e.t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(e.t, os.WriteFile(path, []byte(content), 0o640))
	return path
}

// placeFile кладёт файл в localfs-хранилище и создаёт ссылку на него.
func (e *testEnv) placeFile(root, storage, checksum, content, fileType string, owners ...string) *model.FileReference {
	e.t.Helper()
	rel, err := localfs.StoragePath("", checksum)
	require.NoError(e.t, err)
	full := filepath.Join(root, rel)
	require.NoError(e.t, os.MkdirAll(filepath.Dir(full), 0o750))
	require.NoError(e.t, os.WriteFile(full, []byte(content), 0o640))
	return e.createRef(storage, checksum, rel, fileType, owners...)
}

func (e *testEnv) createRef(storage, checksum, url, fileType string, owners ...string) *model.FileReference {
	e.t.Helper()
	ref := &model.FileReference{
		ID:     "ref-" + storage + "-" + checksum,
		Tenant: testTenant,
		MetaInfo: model.FileMetaInfo{
			Checksum:  checksum,
			Algorithm: model.AlgorithmMD5,
			FileName:  checksum + ".dat",
			MimeType:  "application/octet-stream",
			Type:      fileType,
		},
		Location: model.FileLocation{Storage: storage, URL: url},
		Owners:   owners,
	}
	require.NoError(e.t, e.store.Repos().Files.Create(e.ctx, ref))
	return ref
}

func (e *testEnv) storageRequest(checksum, storage, origin string, owners ...string) *model.Request {
	return &model.Request{
		Kind:      model.KindStorage,
		Checksum:  checksum,
		Storage:   storage,
		OriginURL: origin,
		Owners:    owners,
		GroupID:   "g1",
		MetaInfo: &model.FileMetaInfo{
			Algorithm: "md5",
			FileName:  checksum + ".dat",
			Type:      model.TypeRawData,
		},
	}
}

// lease захватывает блокировку задачи для Dispatch.
func (e *testEnv) lease(task string) lock.Lease {
	e.t.Helper()
	l, ok, err := e.locker.Acquire(e.ctx, lock.Name(task, testTenant), time.Minute)
	require.NoError(e.t, err)
	require.True(e.t, ok)
	return l
}

// dispatch выполняет один проход обработки очереди вида kind.
func (e *testEnv) dispatch(kind model.RequestKind) *DispatchResult {
	e.t.Helper()
	l := e.lease(KindTaskName(kind))
	defer func() { _ = l.Release(e.ctx) }()
	res, err := e.dispatcher.Dispatch(e.ctx, l, kind)
	require.NoError(e.t, err)
	return res
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func requestFilter(status model.RequestStatus) repository.RequestFilter {
	return repository.RequestFilter{Status: status}
}

func pageAll() repository.Page {
	return repository.Page{Limit: 1000}
}
