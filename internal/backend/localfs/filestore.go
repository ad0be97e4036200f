package localfs

import (
	"crypto/md5" //nolint:gosec // MD5 — алгоритм контрольной суммы файлов, не криптография
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/backend"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/domain/model"
)

// FileStore — физические файлы в корневой директории места хранения.
type FileStore struct {
	root string
}

// SaveResult — результат сохранения файла на диск.
type SaveResult struct {
	// StoragePath — относительный путь файла в root
	StoragePath string
	Size        int64
	// Checksum — hex контрольной суммы записанных данных
	Checksum string
}

// NewFileStore создаёт FileStore, при необходимости создавая root.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию %s: %w", root, err)
	}
	return &FileStore{root: root}, nil
}

// Root возвращает корневую директорию.
func (fs *FileStore) Root() string {
	return fs.root
}

// StoragePath строит относительный путь файла: [subdir/]<2 символа checksum>/<checksum>.
func StoragePath(subDirectory, checksum string) (string, error) {
	prefix := checksum
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	rel := filepath.Join(subDirectory, prefix, checksum)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("недопустимый путь %q", rel)
	}
	return rel, nil
}

// FullPath возвращает абсолютный путь; путь вне root отклоняется.
func (fs *FileStore) FullPath(storagePath string) (string, error) {
	if !filepath.IsLocal(storagePath) {
		return "", fmt.Errorf("недопустимый путь %q", storagePath)
	}
	return filepath.Join(fs.root, storagePath), nil
}

func newHasher(algorithm string) (hash.Hash, error) {
	switch strings.ToUpper(algorithm) {
	case model.AlgorithmMD5:
		return md5.New(), nil //nolint:gosec
	case model.AlgorithmSHA256, "SHA256", "":
		return sha256.New(), nil
	}
	return nil, fmt.Errorf("неподдерживаемый алгоритм контрольной суммы %q", algorithm)
}

// SaveFile записывает данные из reader по storagePath с подсчётом контрольной суммы на лету.
//
// Паттерн: temp файл → запись + hash → fsync → atomic rename.
// При ошибке temp файл удаляется.
func (fs *FileStore) SaveFile(reader io.Reader, storagePath, algorithm string) (*SaveResult, error) {
	fullPath, err := fs.FullPath(storagePath)
	if err != nil {
		return nil, err
	}
	hasher, err := newHasher(algorithm)
	if err != nil {
		return nil, err
	}

	size, err := writeAtomic(fullPath, io.TeeReader(reader, hasher))
	if err != nil {
		return nil, err
	}

	return &SaveResult{
		StoragePath: storagePath,
		Size:        size,
		Checksum:    hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// writeAtomic пишет reader в dst через временный файл и rename.
func writeAtomic(dst string, reader io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return 0, fmt.Errorf("ошибка создания директории: %w", err)
	}
	tmpPath := dst + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	size, err := io.Copy(f, reader)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка записи данных: %w", err)
	}

	// fsync для гарантии записи на диск
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return size, nil
}

// ReadFile открывает файл для чтения. Вызывающий код обязан закрыть файл.
func (fs *FileStore) ReadFile(storagePath string) (*os.File, error) {
	fullPath, err := fs.FullPath(storagePath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(fullPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", backend.ErrFileNotFound, storagePath)
		}
		return nil, fmt.Errorf("%w: ошибка открытия файла %s: %v", backend.ErrTransient, storagePath, err)
	}
	return f, nil
}

// DeleteFile удаляет файл. Возвращает nil, если файла уже нет.
func (fs *FileStore) DeleteFile(storagePath string) error {
	fullPath, err := fs.FullPath(storagePath)
	if err != nil {
		return err
	}

	err = os.Remove(fullPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: ошибка удаления файла %s: %v", backend.ErrTransient, storagePath, err)
	}
	return nil
}
