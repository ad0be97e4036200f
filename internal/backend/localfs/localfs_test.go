package localfs

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/backend"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/domain/model"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// recorder — Progress, запоминающий исходы.
type recorder[D any] struct {
	succeeded map[string]D
	failed    map[string]error
}

func newRecorder[D any]() *recorder[D] {
	return &recorder[D]{succeeded: map[string]D{}, failed: map[string]error{}}
}

func (r *recorder[D]) Succeed(_ context.Context, req *model.Request, d D) error {
	r.succeeded[req.ID] = d
	return nil
}

func (r *recorder[D]) Fail(_ context.Context, req *model.Request, cause error) error {
	r.failed[req.ID] = cause
	return nil
}

// mapSource — Source из памяти по checksum.
type mapSource map[string][]byte

func (m mapSource) Open(_ context.Context, req *model.Request) (io.ReadCloser, error) {
	data, ok := m[req.Checksum]
	if !ok {
		return nil, backend.ErrFileNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

func storeRequest(id string, data []byte) *model.Request {
	checksum := md5Hex(data)
	return &model.Request{
		ID:       id,
		Kind:     model.KindStorage,
		Checksum: checksum,
		Storage:  "S1",
		MetaInfo: &model.FileMetaInfo{Checksum: checksum, Algorithm: model.AlgorithmMD5, FileSize: int64(len(data))},
		Owners:   []string{"alice"},
	}
}

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New("S1", Params{Root: t.TempDir()}, testLogger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// TestStore проверяет запись с проверкой контрольной суммы.
func TestStore(t *testing.T) {
	s := newTestStorage(t)
	good := []byte("научные данные")
	ok := storeRequest("r1", good)
	bad := storeRequest("r2", []byte("другое"))
	missing := storeRequest("r3", []byte("нет в источнике"))

	src := mapSource{
		ok.Checksum:  good,
		bad.Checksum: []byte("подменённые данные"),
	}
	subset := model.NewWorkingSubset("ws", "t1", model.KindStorage, "S1", []*model.Request{ok, bad, missing})
	rec := newRecorder[backend.StoredDetails]()

	if err := s.Store(context.Background(), subset, src, rec); err != nil {
		t.Fatalf("Store: %v", err)
	}

	d, found := rec.succeeded["r1"]
	if !found {
		t.Fatalf("r1 не записан: %v", rec.failed["r1"])
	}
	if d.FileSize != int64(len(good)) {
		t.Errorf("FileSize = %d", d.FileSize)
	}
	if !strings.HasSuffix(d.URL, ok.Checksum) {
		t.Errorf("URL = %q", d.URL)
	}

	if !errors.Is(rec.failed["r2"], backend.ErrChecksumMismatch) {
		t.Errorf("r2: ожидалась ErrChecksumMismatch, получено %v", rec.failed["r2"])
	}
	if !errors.Is(rec.failed["r3"], backend.ErrFileNotFound) {
		t.Errorf("r3: ожидалась ErrFileNotFound, получено %v", rec.failed["r3"])
	}

	// Файл с неверной суммой не остаётся на диске
	path, _ := StoragePath("", bad.Checksum)
	if _, err := os.Stat(filepath.Join(s.fs.Root(), path)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("файл с неверной суммой не удалён: %v", err)
	}

	rc, err := s.Download(context.Background(), &model.FileReference{Location: model.FileLocation{URL: d.URL}})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if !bytes.Equal(got, good) {
		t.Errorf("Download = %q", got)
	}
}

// TestStore_CancelledContext проверяет, что отменённый контекст прерывает цикл.
func TestStore_CancelledContext(t *testing.T) {
	s := newTestStorage(t)
	req := storeRequest("r1", []byte("x"))
	subset := model.NewWorkingSubset("ws", "t1", model.KindStorage, "S1", []*model.Request{req})
	rec := newRecorder[backend.StoredDetails]()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Store(ctx, subset, mapSource{}, rec); !errors.Is(err, context.Canceled) {
		t.Errorf("ожидалась context.Canceled, получено %v", err)
	}
	if len(rec.succeeded)+len(rec.failed) != 0 {
		t.Error("элементы не должны обрабатываться после отмены")
	}
}

// TestDeleteAndRestore проверяет удаление и восстановление в кэш.
func TestDeleteAndRestore(t *testing.T) {
	s := newTestStorage(t)
	data := []byte("архивный файл")
	req := storeRequest("r1", data)
	stored := newRecorder[backend.StoredDetails]()
	subset := model.NewWorkingSubset("ws", "t1", model.KindStorage, "S1", []*model.Request{req})
	if err := s.Store(context.Background(), subset, mapSource{req.Checksum: data}, stored); err != nil {
		t.Fatalf("Store: %v", err)
	}
	url := stored.succeeded["r1"].URL

	cacheDir := t.TempDir()
	expires := time.Now().Add(time.Hour)
	target := staticTarget{dir: cacheDir, expires: expires}

	restoreReq := &model.Request{ID: "rr", Kind: model.KindRestoration, Checksum: req.Checksum, OriginURL: url}
	lost := &model.Request{ID: "lost", Kind: model.KindRestoration, Checksum: "ffff", OriginURL: "ff/ffff"}
	restored := newRecorder[backend.RestoredDetails]()
	rs := model.NewWorkingSubset("ws2", "t1", model.KindRestoration, "S1", []*model.Request{restoreReq, lost})
	if err := s.Restore(context.Background(), rs, target, restored); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	d, ok := restored.succeeded["rr"]
	if !ok {
		t.Fatalf("восстановление не выполнено: %v", restored.failed["rr"])
	}
	if d.External || d.FileSize != int64(len(data)) || !d.ExpirationDate.Equal(expires) {
		t.Errorf("RestoredDetails = %+v", d)
	}
	if got, _ := os.ReadFile(d.Location); !bytes.Equal(got, data) {
		t.Errorf("содержимое кэша = %q", got)
	}
	if !errors.Is(restored.failed["lost"], backend.ErrFileNotFound) {
		t.Errorf("lost: ожидалась ErrFileNotFound, получено %v", restored.failed["lost"])
	}

	deleted := newRecorder[backend.DeletedDetails]()
	delReq := &model.Request{ID: "d1", Kind: model.KindDeletion, Checksum: req.Checksum, OriginURL: url}
	ds := model.NewWorkingSubset("ws3", "t1", model.KindDeletion, "S1", []*model.Request{delReq})
	for range 2 {
		if err := s.Delete(context.Background(), ds, deleted); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, ok := deleted.succeeded["d1"]; !ok {
			t.Fatalf("удаление не выполнено: %v", deleted.failed["d1"])
		}
	}
}

type staticTarget struct {
	dir     string
	expires time.Time
}

func (s staticTarget) Path(req *model.Request) string { return filepath.Join(s.dir, req.Checksum) }

func (s staticTarget) Expiration(*model.Request) time.Time { return s.expires }

// TestStoragePath проверяет раскладку и защиту от выхода за root.
func TestStoragePath(t *testing.T) {
	got, err := StoragePath("project", "abcdef")
	if err != nil || got != filepath.Join("project", "ab", "abcdef") {
		t.Errorf("StoragePath = %q, %v", got, err)
	}
	if _, err := StoragePath("../etc", "abcdef"); err == nil {
		t.Error("путь вне root должен отклоняться")
	}
}

// TestPlugin_Catalog проверяет создание backend-ов через каталог.
func TestPlugin_Catalog(t *testing.T) {
	catalog := backend.NewCatalog()
	if err := catalog.Register(Plugin(testLogger)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	params, _ := json.Marshal(Params{Root: t.TempDir()})
	for _, tier := range []model.Tier{model.TierOnline, model.TierNearline, model.TierOffline} {
		b, err := catalog.Build(context.Background(), model.StorageLocationConfig{
			Name: "S-" + string(tier), Tier: tier, Plugin: PluginName, Params: params, Active: true,
		})
		if err != nil {
			t.Fatalf("Build(%s): %v", tier, err)
		}
		if b.Tier() != tier {
			t.Errorf("Tier = %s, ожидался %s", b.Tier(), tier)
		}
	}

	_, err := catalog.Build(context.Background(), model.StorageLocationConfig{
		Name: "bad", Tier: model.TierOnline, Plugin: PluginName, Params: json.RawMessage(`{"root": 5}`),
	})
	if err == nil || !strings.Contains(err.Error(), "некорректные параметры") {
		t.Errorf("ожидалась ошибка схемы, получено %v", err)
	}
}
