package memstore

import (
	"context"
	"slices"
	"time"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/domain/model"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/repository"
)

type cacheRepo struct {
	base
}

func (r *cacheRepo) GetValid(_ context.Context, tenant, checksum string, now time.Time) (*model.CacheFile, error) {
	var out *model.CacheFile
	err := r.with(func(st *state, _ time.Time) error {
		cf, ok := st.caches[cacheKey{tenant, checksum}]
		if !ok || cf.Expired(now) {
			return repository.ErrNotFound
		}
		v := *cf
		out = &v
		return nil
	})
	return out, err
}

func (r *cacheRepo) Upsert(_ context.Context, cf *model.CacheFile) error {
	return r.with(func(st *state, now time.Time) error {
		cf.CreatedAt = now
		v := *cf
		st.caches[cacheKey{cf.Tenant, cf.Checksum}] = &v
		return nil
	})
}

func (r *cacheRepo) ListExpired(_ context.Context, tenant string, now time.Time, limit int) ([]*model.CacheFile, error) {
	var out []*model.CacheFile
	err := r.with(func(st *state, _ time.Time) error {
		for k, cf := range st.caches {
			if k.tenant == tenant && cf.Expired(now) {
				v := *cf
				out = append(out, &v)
			}
		}
		return nil
	})
	slices.SortFunc(out, func(a, b *model.CacheFile) int { return a.ExpirationDate.Compare(b.ExpirationDate) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (r *cacheRepo) Delete(_ context.Context, tenant, checksum string) error {
	return r.with(func(st *state, _ time.Time) error {
		k := cacheKey{tenant, checksum}
		if _, ok := st.caches[k]; !ok {
			return repository.ErrNotFound
		}
		delete(st.caches, k)
		return nil
	})
}

func (r *cacheRepo) TotalSize(_ context.Context, tenant string) (int64, error) {
	var total int64
	err := r.with(func(st *state, _ time.Time) error {
		for k, cf := range st.caches {
			if k.tenant == tenant {
				total += cf.FileSize
			}
		}
		return nil
	})
	return total, err
}

type quotaRepo struct {
	base
}

func (r *quotaRepo) IncrementRaw(_ context.Context, tenant, user string, limit int64) (int64, bool, error) {
	var (
		count int64
		ok    bool
	)
	err := r.with(func(st *state, _ time.Time) error {
		k := quotaKey{tenant, user}
		count = st.quotas[k]
		if count >= limit {
			return nil
		}
		count++
		st.quotas[k] = count
		ok = true
		return nil
	})
	return count, ok, err
}

func (r *quotaRepo) GetRaw(_ context.Context, tenant, user string) (int64, error) {
	var count int64
	err := r.with(func(st *state, _ time.Time) error {
		count = st.quotas[quotaKey{tenant, user}]
		return nil
	})
	return count, err
}

type tenantRepo struct {
	base
}

func (r *tenantRepo) ListActive(_ context.Context) ([]string, error) {
	var ids []string
	err := r.with(func(st *state, _ time.Time) error {
		for id, active := range st.tenants {
			if active {
				ids = append(ids, id)
			}
		}
		return nil
	})
	slices.Sort(ids)
	return ids, err
}

func (r *tenantRepo) Ensure(_ context.Context, ids []string) error {
	return r.with(func(st *state, _ time.Time) error {
		for _, id := range ids {
			if _, ok := st.tenants[id]; !ok {
				st.tenants[id] = true
			}
		}
		return nil
	})
}
