package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sipward/sipward/errs"
)

// Memory is the in-process Store used by tests and by `serve` when no
// DATABASE_URL is configured.
type Memory struct {
	mu     sync.Mutex
	nextID int64

	transactions  map[int64]TransactionRecord
	dialogs       map[int64]DialogRecord
	registrations map[int64]RegistrationRecord
	nonces        map[int64]AuthNonce
	requests      []RequestRecord
	responses     []ResponseRecord
}

func NewMemory() *Memory {
	return &Memory{
		transactions:  make(map[int64]TransactionRecord),
		dialogs:       make(map[int64]DialogRecord),
		registrations: make(map[int64]RegistrationRecord),
		nonces:        make(map[int64]AuthNonce),
	}
}

func (m *Memory) Transactions() TransactionRepo   { return (*memTransactions)(m) }
func (m *Memory) Dialogs() DialogRepo             { return (*memDialogs)(m) }
func (m *Memory) Registrations() RegistrationRepo { return (*memRegistrations)(m) }
func (m *Memory) AuthNonces() AuthNonceRepo       { return (*memNonces)(m) }
func (m *Memory) Requests() RequestArchive        { return (*memRequests)(m) }
func (m *Memory) Responses() ResponseArchive      { return (*memResponses)(m) }
func (m *Memory) Close()                          {}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

type memTransactions Memory

func (r *memTransactions) Create(_ context.Context, rec TransactionRecord) (TransactionRecord, error) {
	m := (*Memory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = m.id()
	rec.CreatedAt = time.Now()
	rec.UpdatedAt = rec.CreatedAt
	m.transactions[rec.ID] = rec
	return rec, nil
}

func (r *memTransactions) Find(_ context.Context, id int64) (TransactionRecord, error) {
	m := (*Memory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.transactions[id]
	if !ok {
		return TransactionRecord{}, errs.Newf(errs.KindStoreNotFound, "transaction %d", id)
	}
	return rec, nil
}

func (r *memTransactions) Update(_ context.Context, rec TransactionRecord) (TransactionRecord, error) {
	m := (*Memory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.transactions[rec.ID]
	if !ok {
		return TransactionRecord{}, errs.Newf(errs.KindStoreNotFound, "transaction %d", rec.ID)
	}
	rec.CreatedAt = old.CreatedAt
	rec.UpdatedAt = time.Now()
	m.transactions[rec.ID] = rec
	return rec, nil
}

func (r *memTransactions) Delete(_ context.Context, id int64) error {
	m := (*Memory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transactions[id]; !ok {
		return errs.Newf(errs.KindStoreNotFound, "transaction %d", id)
	}
	delete(m.transactions, id)
	return nil
}

func (r *memTransactions) ByBranch(_ context.Context, branchID string) ([]TransactionRecord, error) {
	m := (*Memory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TransactionRecord
	for _, rec := range m.transactions {
		if rec.BranchID == branchID {
			out = append(out, rec)
		}
	}
	sortByCreatedDesc(out, func(rec TransactionRecord) time.Time { return rec.CreatedAt })
	return out, nil
}

func (r *memTransactions) List(_ context.Context, page Page) ([]TransactionRecord, error) {
	m := (*Memory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]TransactionRecord, 0, len(m.transactions))
	for _, rec := range m.transactions {
		all = append(all, rec)
	}
	sortByCreatedDesc(all, func(rec TransactionRecord) time.Time { return rec.CreatedAt })
	return paginate(all, page), nil
}

type memDialogs Memory

func (r *memDialogs) Create(_ context.Context, rec DialogRecord) (DialogRecord, error) {
	m := (*Memory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = m.id()
	rec.CreatedAt = time.Now()
	rec.UpdatedAt = rec.CreatedAt
	m.dialogs[rec.ID] = rec
	return rec, nil
}

func (r *memDialogs) Find(_ context.Context, id int64) (DialogRecord, error) {
	m := (*Memory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.dialogs[id]
	if !ok {
		return DialogRecord{}, errs.Newf(errs.KindStoreNotFound, "dialog %d", id)
	}
	return rec, nil
}

func (r *memDialogs) Update(_ context.Context, rec DialogRecord) (DialogRecord, error) {
	m := (*Memory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.dialogs[rec.ID]
	if !ok {
		return DialogRecord{}, errs.Newf(errs.KindStoreNotFound, "dialog %d", rec.ID)
	}
	rec.CreatedAt = old.CreatedAt
	rec.UpdatedAt = time.Now()
	m.dialogs[rec.ID] = rec
	return rec, nil
}

func (r *memDialogs) Delete(_ context.Context, id int64) error {
	m := (*Memory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dialogs[id]; !ok {
		return errs.Newf(errs.KindStoreNotFound, "dialog %d", id)
	}
	delete(m.dialogs, id)
	return nil
}

func (r *memDialogs) ByCallID(_ context.Context, callID string) ([]DialogRecord, error) {
	m := (*Memory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DialogRecord
	for _, rec := range m.dialogs {
		if rec.CallID == callID {
			out = append(out, rec)
		}
	}
	sortByCreatedDesc(out, func(rec DialogRecord) time.Time { return rec.CreatedAt })
	return out, nil
}

func (r *memDialogs) List(_ context.Context, page Page) ([]DialogRecord, error) {
	m := (*Memory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]DialogRecord, 0, len(m.dialogs))
	for _, rec := range m.dialogs {
		all = append(all, rec)
	}
	sortByCreatedDesc(all, func(rec DialogRecord) time.Time { return rec.CreatedAt })
	return paginate(all, page), nil
}

type memRegistrations Memory

func (r *memRegistrations) Upsert(_ context.Context, rec RegistrationRecord) (RegistrationRecord, error) {
	m := (*Memory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, old := range m.registrations {
		if old.AOR == rec.AOR {
			rec.ID = id
			rec.CreatedAt = old.CreatedAt
			rec.UpdatedAt = time.Now()
			if rec.Password == "" {
				rec.Password = old.Password
			}
			m.registrations[id] = rec
			return rec, nil
		}
	}
	rec.ID = m.id()
	rec.CreatedAt = time.Now()
	rec.UpdatedAt = rec.CreatedAt
	m.registrations[rec.ID] = rec
	return rec, nil
}

func (r *memRegistrations) Find(_ context.Context, id int64) (RegistrationRecord, error) {
	m := (*Memory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.registrations[id]
	if !ok {
		return RegistrationRecord{}, errs.Newf(errs.KindStoreNotFound, "registration %d", id)
	}
	return rec, nil
}

func (r *memRegistrations) ByAOR(_ context.Context, aor string) (RegistrationRecord, error) {
	m := (*Memory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.registrations {
		if rec.AOR == aor {
			return rec, nil
		}
	}
	return RegistrationRecord{}, errs.Newf(errs.KindStoreNotFound, "registration for %s", aor)
}

func (r *memRegistrations) Delete(_ context.Context, id int64) error {
	m := (*Memory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.registrations[id]; !ok {
		return errs.Newf(errs.KindStoreNotFound, "registration %d", id)
	}
	delete(m.registrations, id)
	return nil
}

func (r *memRegistrations) List(_ context.Context, page Page) ([]RegistrationRecord, error) {
	m := (*Memory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]RegistrationRecord, 0, len(m.registrations))
	for _, rec := range m.registrations {
		all = append(all, rec)
	}
	sortByCreatedDesc(all, func(rec RegistrationRecord) time.Time { return rec.CreatedAt })
	return paginate(all, page), nil
}

type memNonces Memory

func (r *memNonces) Create(_ context.Context, rec AuthNonce) (AuthNonce, error) {
	m := (*Memory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = m.id()
	rec.CreatedAt = time.Now()
	m.nonces[rec.ID] = rec
	return rec, nil
}

func (r *memNonces) Consume(_ context.Context, nonce string) (AuthNonce, error) {
	m := (*Memory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, rec := range m.nonces {
		if rec.Nonce == nonce {
			delete(m.nonces, id)
			return rec, nil
		}
	}
	return AuthNonce{}, errs.Newf(errs.KindStoreNotFound, "nonce %s", nonce)
}

func (r *memNonces) List(_ context.Context, page Page) ([]AuthNonce, error) {
	m := (*Memory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]AuthNonce, 0, len(m.nonces))
	for _, rec := range m.nonces {
		all = append(all, rec)
	}
	sortByCreatedDesc(all, func(rec AuthNonce) time.Time { return rec.CreatedAt })
	return paginate(all, page), nil
}

type memRequests Memory

func (r *memRequests) Create(_ context.Context, rec RequestRecord) (RequestRecord, error) {
	m := (*Memory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = m.id()
	rec.CreatedAt = time.Now()
	m.requests = append(m.requests, rec)
	return rec, nil
}

func (r *memRequests) List(_ context.Context, page Page) ([]RequestRecord, error) {
	m := (*Memory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	all := append([]RequestRecord(nil), m.requests...)
	sortByCreatedDesc(all, func(rec RequestRecord) time.Time { return rec.CreatedAt })
	return paginate(all, page), nil
}

type memResponses Memory

func (r *memResponses) Create(_ context.Context, rec ResponseRecord) (ResponseRecord, error) {
	m := (*Memory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = m.id()
	rec.CreatedAt = time.Now()
	m.responses = append(m.responses, rec)
	return rec, nil
}

func (r *memResponses) List(_ context.Context, page Page) ([]ResponseRecord, error) {
	m := (*Memory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	all := append([]ResponseRecord(nil), m.responses...)
	sortByCreatedDesc(all, func(rec ResponseRecord) time.Time { return rec.CreatedAt })
	return paginate(all, page), nil
}

func sortByCreatedDesc[T any](recs []T, createdAt func(T) time.Time) {
	sort.SliceStable(recs, func(i, j int) bool {
		return createdAt(recs[i]).After(createdAt(recs[j]))
	})
}

func paginate[T any](all []T, page Page) []T {
	if page.PerPage <= 0 {
		return all
	}
	off := page.Offset()
	if off >= int64(len(all)) {
		return nil
	}
	end := off + page.PerPage
	if end > int64(len(all)) {
		end = int64(len(all))
	}
	return all[off:end]
}
