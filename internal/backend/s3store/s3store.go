// Пакет s3store — плагин места хранения в S3-совместимом объектном хранилище.
//
// ONLINE: PutObject / GetObject / DeleteObject.
// NEARLINE: объекты пишутся с классом хранения GLACIER; восстановление —
// RestoreObject и ожидание по заголовку Restore, затем presigned GET URL
// регистрируется как внешняя копия в кэше.
package s3store

import (
	"context"
	"crypto/md5" //nolint:gosec // MD5 — алгоритм контрольной суммы файлов
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/backend"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/domain/model"
)

// PluginName — метка плагина в конфигурации мест хранения.
const PluginName = "s3"

// maxPresignTTL — предельный срок presigned URL для SigV4.
const maxPresignTTL = 7 * 24 * time.Hour

// ParamsSchema — JSON Schema параметров плагина.
const ParamsSchema = `{
	"type": "object",
	"required": ["bucket"],
	"properties": {
		"bucket": {"type": "string", "minLength": 3},
		"region": {"type": "string"},
		"endpoint": {"type": "string"},
		"accessKey": {"type": "string"},
		"secretKey": {"type": "string"},
		"prefix": {"type": "string"},
		"storageClass": {"type": "string", "enum": ["STANDARD", "GLACIER", "DEEP_ARCHIVE", "GLACIER_IR"]},
		"restoreDays": {"type": "integer", "minimum": 1},
		"restoreTier": {"type": "string", "enum": ["Standard", "Bulk", "Expedited"]},
		"verifyChecksum": {"type": "boolean"}
	},
	"additionalProperties": false
}`

// Params — параметры места хранения.
type Params struct {
	Bucket    string `json:"bucket"`
	Region    string `json:"region,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	AccessKey string `json:"accessKey,omitempty"`
	SecretKey string `json:"secretKey,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
	// StorageClass — класс хранения новых объектов (NEARLINE по умолчанию GLACIER)
	StorageClass   string `json:"storageClass,omitempty"`
	RestoreDays    int32  `json:"restoreDays,omitempty"`
	RestoreTier    string `json:"restoreTier,omitempty"`
	VerifyChecksum *bool  `json:"verifyChecksum,omitempty"`
}

// withDefaults заполняет значения по умолчанию для уровня хранения.
func (p Params) withDefaults(tier model.Tier) Params {
	if p.Region == "" {
		p.Region = "us-east-1"
	}
	if p.StorageClass == "" {
		p.StorageClass = string(types.StorageClassStandard)
		if tier == model.TierNearline {
			p.StorageClass = string(types.StorageClassGlacier)
		}
	}
	if p.RestoreDays == 0 {
		p.RestoreDays = 1
	}
	if p.RestoreTier == "" {
		p.RestoreTier = string(types.TierStandard)
	}
	return p
}

// Plugin возвращает описание плагина для backend.Catalog.
func Plugin(logger *slog.Logger) backend.Plugin {
	return backend.Plugin{
		Name:         PluginName,
		Tiers:        []model.Tier{model.TierOnline, model.TierNearline},
		ParamsSchema: ParamsSchema,
		Factory: func(ctx context.Context, cfg model.StorageLocationConfig) (*backend.Backend, error) {
			var p Params
			if err := json.Unmarshal(cfg.Params, &p); err != nil {
				return nil, fmt.Errorf("ошибка разбора параметров s3: %w", err)
			}
			s, err := New(ctx, cfg.Name, cfg.Tier, p, logger)
			if err != nil {
				return nil, err
			}
			if cfg.Tier == model.TierNearline {
				return backend.NewNearline(cfg.Name, s), nil
			}
			return backend.NewOnline(cfg.Name, s), nil
		},
	}
}

// Storage — backend поверх S3 API.
type Storage struct {
	name    string
	client  *s3.Client
	presign *s3.PresignClient
	params  Params
	verify  bool
	logger  *slog.Logger
}

// New создаёт клиент S3. Для MinIO и других S3-совместимых хранилищ
// используется path-style адресация.
func New(ctx context.Context, name string, tier model.Tier, p Params, logger *slog.Logger) (*Storage, error) {
	p = p.withDefaults(tier)

	opts := []func(*config.LoadOptions) error{config.WithRegion(p.Region)}
	if p.Endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(p.Endpoint))
	}
	if p.AccessKey != "" {
		accessKey, secretKey := p.AccessKey, p.SecretKey
		opts = append(opts, config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(context.Context) (aws.Credentials, error) {
				return aws.Credentials{AccessKeyID: accessKey, SecretAccessKey: secretKey}, nil
			})))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: ошибка загрузки конфигурации AWS: %v", backend.ErrNotAvailable, err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = p.Endpoint != ""
	})

	verify := true
	if p.VerifyChecksum != nil {
		verify = *p.VerifyChecksum
	}

	return &Storage{
		name:    name,
		client:  client,
		presign: s3.NewPresignClient(client),
		params:  p,
		verify:  verify,
		logger:  logger.With(slog.String("component", "s3store"), slog.String("storage", name)),
	}, nil
}

// ObjectKey строит ключ объекта: [prefix/][subdir/]<checksum>.
func (s *Storage) ObjectKey(subDirectory, checksum string) string {
	return strings.TrimPrefix(path.Join(s.params.Prefix, subDirectory, checksum), "/")
}

// classify переводит ошибку S3 в класс отказа backend-а.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return fmt.Errorf("%w: %v", backend.ErrFileNotFound, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket", "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%w: %v", backend.ErrNotAvailable, err)
		case "InvalidObjectState":
			return fmt.Errorf("%w: %v", backend.ErrNotAvailableYet, err)
		}
	}
	return fmt.Errorf("%w: %v", backend.ErrTransient, err)
}

func newHasher(algorithm string) hash.Hash {
	if strings.EqualFold(algorithm, model.AlgorithmMD5) {
		return md5.New() //nolint:gosec
	}
	return sha256.New()
}

// Store загружает элементы пакета последовательно.
func (s *Storage) Store(ctx context.Context, subset *model.WorkingSubset, src backend.Source, progress backend.Progress[backend.StoredDetails]) error {
	for _, req := range subset.Requests() {
		if err := ctx.Err(); err != nil {
			return err
		}

		details, err := s.storeOne(ctx, req, src)
		if err != nil {
			if perr := progress.Fail(ctx, req, err); perr != nil {
				return perr
			}
			continue
		}
		if err := progress.Succeed(ctx, req, details); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) storeOne(ctx context.Context, req *model.Request, src backend.Source) (backend.StoredDetails, error) {
	if req.MetaInfo == nil {
		return backend.StoredDetails{}, fmt.Errorf("запрос %s без метаданных файла", req.ID)
	}

	rc, err := src.Open(ctx, req)
	if err != nil {
		return backend.StoredDetails{}, err
	}
	defer rc.Close()

	key := s.ObjectKey(req.SubDirectory, req.Checksum)
	hasher := newHasher(req.MetaInfo.Algorithm)
	counter := &countingReader{r: io.TeeReader(rc, hasher)}

	input := &s3.PutObjectInput{
		Bucket:       aws.String(s.params.Bucket),
		Key:          aws.String(key),
		Body:         counter,
		ContentType:  aws.String(req.MetaInfo.MimeType),
		StorageClass: types.StorageClass(s.params.StorageClass),
		Metadata:     map[string]string{"checksum": req.Checksum, "algorithm": req.MetaInfo.Algorithm},
	}
	if req.MetaInfo.FileSize > 0 {
		input.ContentLength = aws.Int64(req.MetaInfo.FileSize)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return backend.StoredDetails{}, classify(err)
	}

	if sum := hex.EncodeToString(hasher.Sum(nil)); s.verify && !strings.EqualFold(sum, req.Checksum) {
		_, _ = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.params.Bucket), Key: aws.String(key)})
		return backend.StoredDetails{}, fmt.Errorf("%w: ожидалась %s, получена %s",
			backend.ErrChecksumMismatch, req.Checksum, sum)
	}

	return backend.StoredDetails{URL: key, FileSize: counter.n}, nil
}

// Delete удаляет объекты пакета. DeleteObject идемпотентен.
func (s *Storage) Delete(ctx context.Context, subset *model.WorkingSubset, progress backend.Progress[backend.DeletedDetails]) error {
	for _, req := range subset.Requests() {
		if err := ctx.Err(); err != nil {
			return err
		}

		key := req.OriginURL
		if key == "" {
			key = s.ObjectKey(req.SubDirectory, req.Checksum)
		}
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.params.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if perr := progress.Fail(ctx, req, classify(err)); perr != nil {
				return perr
			}
			continue
		}
		if err := progress.Succeed(ctx, req, backend.DeletedDetails{}); err != nil {
			return err
		}
	}
	return nil
}

// Download открывает поток объекта.
func (s *Storage) Download(ctx context.Context, ref *model.FileReference) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.params.Bucket),
		Key:    aws.String(ref.Location.URL),
	})
	if err != nil {
		return nil, classify(err)
	}
	return out.Body, nil
}

// Restore запрашивает восстановление архивных объектов. Объект, ещё не восстановленный,
// завершается ErrNotAvailableYet и будет проверен повторно после задержки.
func (s *Storage) Restore(ctx context.Context, subset *model.WorkingSubset, target backend.CacheTarget, progress backend.Progress[backend.RestoredDetails]) error {
	for _, req := range subset.Requests() {
		if err := ctx.Err(); err != nil {
			return err
		}

		details, err := s.restoreOne(ctx, req, target)
		if err != nil {
			if perr := progress.Fail(ctx, req, err); perr != nil {
				return perr
			}
			continue
		}
		if err := progress.Succeed(ctx, req, details); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) restoreOne(ctx context.Context, req *model.Request, target backend.CacheTarget) (backend.RestoredDetails, error) {
	key := req.OriginURL
	if key == "" {
		key = s.ObjectKey(req.SubDirectory, req.Checksum)
	}

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.params.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return backend.RestoredDetails{}, classify(err)
	}

	state := ParseRestoreHeader(aws.ToString(head.Restore))
	archived := isArchiveClass(head.StorageClass)

	if archived && !state.Restored() {
		if !state.Ongoing {
			if err := s.requestRestore(ctx, key); err != nil {
				return backend.RestoredDetails{}, err
			}
			s.logger.Info("Запрошено восстановление объекта",
				slog.String("checksum", req.Checksum),
				slog.String("key", key),
			)
		}
		return backend.RestoredDetails{}, fmt.Errorf("%w: восстановление %s выполняется", backend.ErrNotAvailableYet, key)
	}

	expires := target.Expiration(req)
	if state.Restored() && !state.Expiry.IsZero() && state.Expiry.Before(expires) {
		expires = state.Expiry
	}
	ttl := min(time.Until(expires), maxPresignTTL)
	if ttl <= 0 {
		return backend.RestoredDetails{}, fmt.Errorf("%w: восстановленная копия %s уже истекла", backend.ErrNotAvailableYet, key)
	}

	signed, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.params.Bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return backend.RestoredDetails{}, fmt.Errorf("%w: ошибка подписи URL: %v", backend.ErrTransient, err)
	}

	return backend.RestoredDetails{
		Location:       signed.URL,
		External:       true,
		FileSize:       aws.ToInt64(head.ContentLength),
		ExpirationDate: time.Now().Add(ttl),
	}, nil
}

func (s *Storage) requestRestore(ctx context.Context, key string) error {
	_, err := s.client.RestoreObject(ctx, &s3.RestoreObjectInput{
		Bucket: aws.String(s.params.Bucket),
		Key:    aws.String(key),
		RestoreRequest: &types.RestoreRequest{
			Days: aws.Int32(s.params.RestoreDays),
			GlacierJobParameters: &types.GlacierJobParameters{
				Tier: types.Tier(s.params.RestoreTier),
			},
		},
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "RestoreAlreadyInProgress" {
			return nil
		}
		return classify(err)
	}
	return nil
}

func isArchiveClass(c types.StorageClass) bool {
	return c == types.StorageClassGlacier || c == types.StorageClassDeepArchive
}

// RestoreState — разобранный заголовок x-amz-restore.
type RestoreState struct {
	// Present — заголовок присутствует (восстановление запрашивалось)
	Present bool
	Ongoing bool
	Expiry  time.Time
}

// Restored сообщает, что временная копия доступна.
func (r RestoreState) Restored() bool {
	return r.Present && !r.Ongoing
}

// ParseRestoreHeader разбирает значение вида
// `ongoing-request="false", expiry-date="Fri, 21 Dec 2012 00:00:00 GMT"`.
func ParseRestoreHeader(v string) RestoreState {
	if v == "" {
		return RestoreState{}
	}
	state := RestoreState{Present: true}
	state.Ongoing = strings.Contains(v, `ongoing-request="true"`)

	const marker = `expiry-date="`
	if i := strings.Index(v, marker); i >= 0 {
		rest := v[i+len(marker):]
		if j := strings.IndexByte(rest, '"'); j >= 0 {
			if t, err := time.Parse(time.RFC1123, rest[:j]); err == nil {
				state.Expiry = t
			}
		}
	}
	return state
}

// countingReader считает прочитанные байты.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

var (
	_ backend.OnlineBackend   = (*Storage)(nil)
	_ backend.NearlineBackend = (*Storage)(nil)
)
