package memstore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/domain/model"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/repository"
)

func cloneRef(ref *model.FileReference) *model.FileReference {
	c := *ref
	c.Owners = slices.Clone(ref.Owners)
	return &c
}

type fileRepo struct {
	base
}

func findRef(st *state, tenant, storage, checksum string) *model.FileReference {
	for _, ref := range st.refs {
		if ref.Tenant == tenant && ref.Location.Storage == storage && ref.MetaInfo.Checksum == checksum {
			return ref
		}
	}
	return nil
}

func getRef(st *state, tenant, id string) (*model.FileReference, error) {
	ref, ok := st.refs[id]
	if !ok || ref.Tenant != tenant {
		return nil, repository.ErrNotFound
	}
	return ref, nil
}

func (r *fileRepo) GetByStorageChecksum(_ context.Context, tenant, storage, checksum string) (*model.FileReference, error) {
	var out *model.FileReference
	err := r.with(func(st *state, _ time.Time) error {
		ref := findRef(st, tenant, storage, checksum)
		if ref == nil {
			return repository.ErrNotFound
		}
		out = cloneRef(ref)
		return nil
	})
	return out, err
}

func (r *fileRepo) LockByStorageChecksum(ctx context.Context, tenant, storage, checksum string) (*model.FileReference, error) {
	return r.GetByStorageChecksum(ctx, tenant, storage, checksum)
}

func (r *fileRepo) ListByChecksum(_ context.Context, tenant, checksum string) ([]*model.FileReference, error) {
	var out []*model.FileReference
	err := r.with(func(st *state, _ time.Time) error {
		for _, ref := range st.refs {
			if ref.Tenant == tenant && ref.MetaInfo.Checksum == checksum {
				out = append(out, cloneRef(ref))
			}
		}
		return nil
	})
	slices.SortFunc(out, func(a, b *model.FileReference) int { return a.StoredAt.Compare(b.StoredAt) })
	return out, err
}

func (r *fileRepo) Create(_ context.Context, ref *model.FileReference) error {
	return r.with(func(st *state, now time.Time) error {
		if findRef(st, ref.Tenant, ref.Location.Storage, ref.MetaInfo.Checksum) != nil {
			return fmt.Errorf("%w: ссылка на %s в %s уже существует",
				repository.ErrConflict, ref.MetaInfo.Checksum, ref.Location.Storage)
		}
		if _, ok := st.refs[ref.ID]; ok {
			return fmt.Errorf("%w: ссылка %s уже существует", repository.ErrConflict, ref.ID)
		}
		ref.StoredAt = now
		ref.UpdatedAt = now
		stored := cloneRef(ref)
		slices.Sort(stored.Owners)
		stored.Owners = slices.Compact(stored.Owners)
		st.refs[ref.ID] = stored
		return nil
	})
}

func (r *fileRepo) UpdateLocation(_ context.Context, tenant, id string, loc model.FileLocation, fileSize int64) error {
	return r.with(func(st *state, now time.Time) error {
		ref, err := getRef(st, tenant, id)
		if err != nil {
			return err
		}
		ref.Location.URL = loc.URL
		ref.Location.PendingActionRemaining = loc.PendingActionRemaining
		ref.MetaInfo.FileSize = fileSize
		ref.UpdatedAt = now
		return nil
	})
}

func (r *fileRepo) AddOwners(_ context.Context, tenant, id string, owners []string) ([]string, error) {
	var added []string
	err := r.with(func(st *state, now time.Time) error {
		ref, err := getRef(st, tenant, id)
		if err != nil {
			return err
		}
		for _, o := range owners {
			if !slices.Contains(ref.Owners, o) {
				ref.Owners = append(ref.Owners, o)
				added = append(added, o)
			}
		}
		slices.Sort(ref.Owners)
		ref.UpdatedAt = now
		return nil
	})
	return added, err
}

func (r *fileRepo) RemoveOwners(_ context.Context, tenant, id string, owners []string) (int, error) {
	var remaining int
	err := r.with(func(st *state, now time.Time) error {
		ref, err := getRef(st, tenant, id)
		if err != nil {
			return err
		}
		ref.Owners = slices.DeleteFunc(ref.Owners, func(o string) bool {
			return slices.Contains(owners, o)
		})
		ref.UpdatedAt = now
		remaining = len(ref.Owners)
		return nil
	})
	return remaining, err
}

func (r *fileRepo) SetNearlineConfirmed(_ context.Context, tenant, id string, confirmed bool) error {
	return r.with(func(st *state, now time.Time) error {
		ref, err := getRef(st, tenant, id)
		if err != nil {
			return err
		}
		ref.NearlineConfirmed = confirmed
		ref.UpdatedAt = now
		return nil
	})
}

func (r *fileRepo) Delete(_ context.Context, tenant, id string) error {
	return r.with(func(st *state, _ time.Time) error {
		if _, err := getRef(st, tenant, id); err != nil {
			return err
		}
		delete(st.refs, id)
		return nil
	})
}

func (r *fileRepo) Search(_ context.Context, tenant string, filter repository.FileFilter, page repository.Page) ([]*model.FileReference, int, error) {
	page = page.Normalize()
	var matched []*model.FileReference
	err := r.with(func(st *state, _ time.Time) error {
		for _, ref := range st.refs {
			if ref.Tenant != tenant {
				continue
			}
			if filter.Checksum != "" && ref.MetaInfo.Checksum != filter.Checksum {
				continue
			}
			if filter.Storage != "" && ref.Location.Storage != filter.Storage {
				continue
			}
			if filter.Owner != "" && !ref.HasOwner(filter.Owner) {
				continue
			}
			matched = append(matched, cloneRef(ref))
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	slices.SortFunc(matched, func(a, b *model.FileReference) int {
		if c := b.StoredAt.Compare(a.StoredAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return paginate(matched, page), len(matched), nil
}

func paginate[T any](items []T, page repository.Page) []T {
	if page.Offset >= len(items) {
		return nil
	}
	end := min(page.Offset+page.Limit, len(items))
	return items[page.Offset:end]
}
