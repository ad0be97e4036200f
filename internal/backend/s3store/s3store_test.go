package s3store

import (
	"context"
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/backend"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/domain/model"
)

// TestParseRestoreHeader проверяет разбор заголовка x-amz-restore.
func TestParseRestoreHeader(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		present  bool
		ongoing  bool
		restored bool
		expiry   time.Time
	}{
		{name: "нет заголовка"},
		{
			name:    "восстановление идёт",
			header:  `ongoing-request="true"`,
			present: true,
			ongoing: true,
		},
		{
			name:     "восстановлен",
			header:   `ongoing-request="false", expiry-date="Fri, 21 Dec 2012 00:00:00 GMT"`,
			present:  true,
			restored: true,
			expiry:   time.Date(2012, 12, 21, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := ParseRestoreHeader(tt.header)
			assert.Equal(t, tt.present, st.Present)
			assert.Equal(t, tt.ongoing, st.Ongoing)
			assert.Equal(t, tt.restored, st.Restored())
			assert.True(t, tt.expiry.Equal(st.Expiry), "expiry = %s", st.Expiry)
		})
	}
}

// TestObjectKey проверяет построение ключа объекта.
func TestObjectKey(t *testing.T) {
	s := &Storage{params: Params{Prefix: "archive"}}
	assert.Equal(t, "archive/2026/abc", s.ObjectKey("2026", "abc"))
	assert.Equal(t, "archive/abc", s.ObjectKey("", "abc"))

	s = &Storage{}
	assert.Equal(t, "abc", s.ObjectKey("", "abc"))
}

// TestWithDefaults проверяет класс хранения по уровню.
func TestWithDefaults(t *testing.T) {
	online := Params{Bucket: "b"}.withDefaults(model.TierOnline)
	assert.Equal(t, "STANDARD", online.StorageClass)
	assert.Equal(t, "us-east-1", online.Region)

	nearline := Params{Bucket: "b"}.withDefaults(model.TierNearline)
	assert.Equal(t, "GLACIER", nearline.StorageClass)
	assert.Equal(t, int32(1), nearline.RestoreDays)
	assert.Equal(t, "Standard", nearline.RestoreTier)

	custom := Params{Bucket: "b", StorageClass: "DEEP_ARCHIVE"}.withDefaults(model.TierNearline)
	assert.Equal(t, "DEEP_ARCHIVE", custom.StorageClass)
}

// TestClassify проверяет отображение ошибок S3 на классы отказов.
func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil))
	assert.ErrorIs(t, classify(&types.NoSuchKey{}), backend.ErrFileNotFound)
	assert.ErrorIs(t, classify(&types.NotFound{}), backend.ErrFileNotFound)
	assert.ErrorIs(t, classify(&smithy.GenericAPIError{Code: "AccessDenied"}), backend.ErrNotAvailable)
	assert.ErrorIs(t, classify(&smithy.GenericAPIError{Code: "InvalidObjectState"}), backend.ErrNotAvailableYet)
	assert.ErrorIs(t, classify(errors.New("connection reset")), backend.ErrTransient)
}

// TestPlugin_Schema проверяет проверку параметров через каталог.
func TestPlugin_Schema(t *testing.T) {
	c := backend.NewCatalog()
	require.NoError(t, c.Register(Plugin(slog.Default())))

	err := c.Validate(model.StorageLocationConfig{
		Name: "S3", Tier: model.TierNearline, Plugin: PluginName,
		Params: []byte(`{"region":"eu-west-1"}`),
	})
	assert.Error(t, err, "bucket обязателен")

	err = c.Validate(model.StorageLocationConfig{
		Name: "S3", Tier: model.TierOffline, Plugin: PluginName,
		Params: []byte(`{"bucket":"data"}`),
	})
	assert.Error(t, err, "OFFLINE не поддерживается")

	err = c.Validate(model.StorageLocationConfig{
		Name: "S3", Tier: model.TierOnline, Plugin: PluginName,
		Params: []byte(`{"bucket":"data","endpoint":"http://minio:9000"}`),
	})
	assert.NoError(t, err)
}

// --- Интеграционный тест с MinIO ---

type recorder[D any] struct {
	ok   map[string]D
	fail map[string]error
}

func newRecorder[D any]() *recorder[D] {
	return &recorder[D]{ok: map[string]D{}, fail: map[string]error{}}
}

func (r *recorder[D]) Succeed(_ context.Context, req *model.Request, d D) error {
	r.ok[req.ID] = d
	return nil
}

func (r *recorder[D]) Fail(_ context.Context, req *model.Request, cause error) error {
	r.fail[req.ID] = cause
	return nil
}

type stringSource map[string]string

func (s stringSource) Open(_ context.Context, req *model.Request) (io.ReadCloser, error) {
	data, ok := s[req.ID]
	if !ok {
		return nil, fmt.Errorf("%w: нет данных %s", backend.ErrFileNotFound, req.ID)
	}
	return io.NopCloser(strings.NewReader(data)), nil
}

func setupMinio(t *testing.T) string {
	t.Helper()
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("TEST_INTEGRATION не задан")
	}
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			Cmd:          []string{"server", "/data"},
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     "minioadmin",
				"MINIO_ROOT_PASSWORD": "minioadmin",
			},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(c) })

	endpoint, err := c.PortEndpoint(ctx, "9000/tcp", "http")
	require.NoError(t, err)
	return endpoint
}

// TestStorage_Minio проверяет запись, чтение и удаление в S3-совместимом хранилище.
func TestStorage_Minio(t *testing.T) {
	endpoint := setupMinio(t)
	ctx := context.Background()

	st, err := New(ctx, "S3", model.TierOnline, Params{
		Bucket: "files", Endpoint: endpoint,
		AccessKey: "minioadmin", SecretKey: "minioadmin",
	}, slog.Default())
	require.NoError(t, err)

	_, err = st.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String("files")})
	require.NoError(t, err)

	data := "содержимое файла"
	sum := md5.Sum([]byte(data)) //nolint:gosec
	checksum := hex.EncodeToString(sum[:])

	req := &model.Request{
		ID: "r1", Kind: model.KindStorage, Checksum: checksum, Storage: "S3",
		MetaInfo: &model.FileMetaInfo{Checksum: checksum, Algorithm: model.AlgorithmMD5, FileSize: int64(len(data)), MimeType: "text/plain"},
	}
	subset := model.NewWorkingSubset("w1", "t1", model.KindStorage, "S3", []*model.Request{req})

	stored := newRecorder[backend.StoredDetails]()
	require.NoError(t, st.Store(ctx, subset, stringSource{"r1": data}, stored))
	require.Contains(t, stored.ok, "r1", "ошибки: %v", stored.fail)
	assert.Equal(t, int64(len(data)), stored.ok["r1"].FileSize)

	rc, err := st.Download(ctx, &model.FileReference{Location: model.FileLocation{URL: stored.ok["r1"].URL}})
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	_ = rc.Close()
	assert.Equal(t, data, string(got))

	del := &model.Request{ID: "d1", Kind: model.KindDeletion, Checksum: checksum, OriginURL: stored.ok["r1"].URL}
	deleted := newRecorder[backend.DeletedDetails]()
	require.NoError(t, st.Delete(ctx, model.NewWorkingSubset("w2", "t1", model.KindDeletion, "S3", []*model.Request{del}), deleted))
	assert.Contains(t, deleted.ok, "d1")

	_, err = st.Download(ctx, &model.FileReference{Location: model.FileLocation{URL: stored.ok["r1"].URL}})
	assert.ErrorIs(t, err, backend.ErrFileNotFound)
}
