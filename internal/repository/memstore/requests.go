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

type requestRepo struct {
	base
}

func compareRequests(a, b *model.Request) int {
	if c := a.OrderTime().Compare(b.OrderTime()); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

func getRequest(st *state, tenant, id string) (*model.Request, error) {
	req, ok := st.requests[id]
	if !ok || req.Tenant != tenant {
		return nil, repository.ErrNotFound
	}
	return req, nil
}

func ownerKeys(req *model.Request) []ownerKey {
	keys := make([]ownerKey, 0, len(req.Owners))
	for _, o := range req.Owners {
		keys = append(keys, ownerKey{req.Tenant, req.Kind, req.Checksum, req.Storage, o})
	}
	return keys
}

func (r *requestRepo) Insert(_ context.Context, req *model.Request) error {
	return r.with(func(st *state, now time.Time) error {
		if _, ok := st.requests[req.ID]; ok {
			return fmt.Errorf("%w: запрос %s уже существует", repository.ErrConflict, req.ID)
		}
		keys := ownerKeys(req)
		for _, k := range keys {
			if _, ok := st.reqOwners[k]; ok {
				return fmt.Errorf("%w: незавершённый запрос %s на %s в %s для владельца уже существует",
					repository.ErrConflict, req.Kind, req.Checksum, req.Storage)
			}
		}
		req.CreatedAt = now
		req.UpdatedAt = now
		stored := req.Clone()
		slices.Sort(stored.Owners)
		st.requests[req.ID] = stored
		for _, k := range keys {
			st.reqOwners[k] = req.ID
		}
		return nil
	})
}

func (r *requestRepo) GetByID(_ context.Context, tenant, id string) (*model.Request, error) {
	var out *model.Request
	err := r.with(func(st *state, _ time.Time) error {
		req, err := getRequest(st, tenant, id)
		if err != nil {
			return err
		}
		out = req.Clone()
		return nil
	})
	return out, err
}

func (r *requestRepo) ExistsInFlight(_ context.Context, tenant string, kind model.RequestKind, checksum, storage string) (bool, error) {
	var exists bool
	err := r.with(func(st *state, _ time.Time) error {
		for _, req := range st.requests {
			if req.Tenant == tenant && req.Kind == kind && req.Checksum == checksum &&
				req.Storage == storage && req.Status != model.StatusDone && req.Status != model.StatusError {
				exists = true
				return nil
			}
		}
		return nil
	})
	return exists, err
}

func (r *requestRepo) ClaimBatch(_ context.Context, tenant string, kind model.RequestKind, storage string, limit int) ([]*model.Request, error) {
	var out []*model.Request
	err := r.with(func(st *state, now time.Time) error {
		var candidates []*model.Request
		for _, req := range st.requests {
			if req.Tenant == tenant && req.Kind == kind && req.Storage == storage && req.Status == model.StatusToDo {
				candidates = append(candidates, req)
			}
		}
		slices.SortFunc(candidates, compareRequests)
		if len(candidates) > limit {
			candidates = candidates[:limit]
		}
		for _, req := range candidates {
			req.Status = model.StatusRunning
			req.UpdatedAt = now
			out = append(out, req.Clone())
		}
		return nil
	})
	return out, err
}

func (r *requestRepo) StoragesWithStatus(_ context.Context, tenant string, kind model.RequestKind, status model.RequestStatus) ([]string, error) {
	oldest := make(map[string]*model.Request)
	err := r.with(func(st *state, _ time.Time) error {
		for _, req := range st.requests {
			if req.Tenant != tenant || req.Kind != kind || req.Status != status {
				continue
			}
			if cur, ok := oldest[req.Storage]; !ok || compareRequests(req, cur) < 0 {
				oldest[req.Storage] = req
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	storages := make([]string, 0, len(oldest))
	for s := range oldest {
		storages = append(storages, s)
	}
	slices.SortFunc(storages, func(a, b string) int {
		return compareRequests(oldest[a], oldest[b])
	})
	return storages, nil
}

func (r *requestRepo) UpdateStatus(_ context.Context, req *model.Request) error {
	return r.with(func(st *state, now time.Time) error {
		stored, err := getRequest(st, req.Tenant, req.ID)
		if err != nil {
			return err
		}
		stored.Status = req.Status
		stored.ErrorCause = req.ErrorCause
		stored.Attempts = req.Attempts
		stored.UpdatedAt = now
		req.UpdatedAt = now
		return nil
	})
}

func (r *requestRepo) Delete(_ context.Context, tenant, id string) error {
	return r.with(func(st *state, _ time.Time) error {
		req, err := getRequest(st, tenant, id)
		if err != nil {
			return err
		}
		for _, k := range ownerKeys(req) {
			if st.reqOwners[k] == id {
				delete(st.reqOwners, k)
			}
		}
		delete(st.requests, id)
		return nil
	})
}

func (r *requestRepo) ReleasePending(_ context.Context, tenant string, kind model.RequestKind, checksum, storage string) (int, error) {
	var n int
	err := r.with(func(st *state, now time.Time) error {
		for _, req := range st.requests {
			if req.Tenant == tenant && req.Kind == kind && req.Checksum == checksum &&
				req.Storage == storage && req.Status == model.StatusPending {
				req.Status = model.StatusToDo
				req.UpdatedAt = now
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r *requestRepo) ReleaseDelayed(_ context.Context, tenant string, before time.Time) (int, error) {
	var n int
	err := r.with(func(st *state, now time.Time) error {
		for _, req := range st.requests {
			if req.Tenant == tenant && req.Status == model.StatusDelayed && !req.UpdatedAt.After(before) {
				req.Status = model.StatusToDo
				req.UpdatedAt = now
				n++
			}
		}
		return nil
	})
	return n, err
}

func matchRequest(req *model.Request, tenant string, f repository.RequestFilter) bool {
	switch {
	case req.Tenant != tenant:
		return false
	case f.Kind != "" && req.Kind != f.Kind:
		return false
	case f.Status != "" && req.Status != f.Status:
		return false
	case f.GroupID != "" && req.GroupID != f.GroupID:
		return false
	case f.Checksum != "" && req.Checksum != f.Checksum:
		return false
	case f.Storage != "" && req.Storage != f.Storage:
		return false
	}
	return true
}

func (r *requestRepo) RetryErrors(_ context.Context, tenant string, filter repository.RequestFilter) (int, error) {
	filter.Status = model.StatusError
	var n int
	err := r.with(func(st *state, now time.Time) error {
		for _, req := range st.requests {
			if matchRequest(req, tenant, filter) {
				req.Status = model.StatusToDo
				req.ErrorCause = ""
				req.Attempts = 0
				req.UpdatedAt = now
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r *requestRepo) ListStaleRunning(_ context.Context, tenant string, before time.Time, limit int) ([]*model.Request, error) {
	var out []*model.Request
	err := r.with(func(st *state, _ time.Time) error {
		for _, req := range st.requests {
			if req.Tenant == tenant && req.Status == model.StatusRunning && !req.UpdatedAt.After(before) {
				out = append(out, req.Clone())
			}
		}
		return nil
	})
	slices.SortFunc(out, func(a, b *model.Request) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (r *requestRepo) Search(_ context.Context, tenant string, filter repository.RequestFilter, page repository.Page) ([]*model.Request, int, error) {
	page = page.Normalize()
	var matched []*model.Request
	err := r.with(func(st *state, _ time.Time) error {
		for _, req := range st.requests {
			if matchRequest(req, tenant, filter) {
				matched = append(matched, req.Clone())
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	slices.SortFunc(matched, compareRequests)
	return paginate(matched, page), len(matched), nil
}
