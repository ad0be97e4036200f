package model

// WorkingSubset — неизменяемый пакет однотипных запросов, назначенных одному
// месту хранения. Создаётся один раз и потребляется ровно одним выполнением задачи.
type WorkingSubset struct {
	id       string
	tenant   string
	kind     RequestKind
	storage  string
	requests []*Request
}

// NewWorkingSubset создаёт пакет. Запросы копируются.
func NewWorkingSubset(id, tenant string, kind RequestKind, storage string, requests []*Request) *WorkingSubset {
	items := make([]*Request, len(requests))
	for i, r := range requests {
		items[i] = r.Clone()
	}
	return &WorkingSubset{id: id, tenant: tenant, kind: kind, storage: storage, requests: items}
}

func (w *WorkingSubset) ID() string { return w.id }
func (w *WorkingSubset) Tenant() string { return w.tenant }
func (w *WorkingSubset) Kind() RequestKind { return w.kind }
func (w *WorkingSubset) Storage() string { return w.storage }
func (w *WorkingSubset) Len() int { return len(w.requests) }
func (w *WorkingSubset) Empty() bool { return len(w.requests) == 0 }
func (w *WorkingSubset) At(i int) *Request { return w.requests[i] }

// Requests возвращает копию списка запросов.
func (w *WorkingSubset) Requests() []*Request {
	return append([]*Request(nil), w.requests...)
}
