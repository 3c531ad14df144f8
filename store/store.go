// Package store is the async repository facade over the relational backend.
// The core never sees SQL; tests supply the in-memory implementation.
package store

import (
	"context"
	"time"
)

// TransactionState is the persisted transaction state, stored as lowercase
// text for schema compatibility.
type TransactionState string

const (
	TransactionTrying     TransactionState = "trying"
	TransactionProceeding TransactionState = "proceeding"
	TransactionCompleted  TransactionState = "completed"
	TransactionTerminated TransactionState = "terminated"
)

type DialogFlow string

const (
	FlowUAC DialogFlow = "uac"
	FlowUAS DialogFlow = "uas"
)

type TransportType string

const (
	TransportUDP TransportType = "udp"
	TransportTCP TransportType = "tcp"
	TransportTLS TransportType = "tls"
	TransportWS  TransportType = "ws"
)

type TransactionRecord struct {
	ID        int64
	State     TransactionState
	BranchID  string
	DialogID  *int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

type DialogRecord struct {
	ID        int64
	CallID    string
	FromTag   string
	ToTag     *string // nil while the dialog is early
	Flow      DialogFlow
	CreatedAt time.Time
	UpdatedAt time.Time
}

type RegistrationRecord struct {
	ID        int64
	AOR       string
	Contact   string
	ExpiresAt time.Time
	Transport TransportType
	Username  string
	Password  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AuthNonce is short-lived and consumed at most once by a matching
// Authorization header.
type AuthNonce struct {
	ID        int64
	Realm     string
	Nonce     string
	CreatedAt time.Time
}

// RequestRecord archives a TU-visible request.
type RequestRecord struct {
	ID        int64
	Method    string
	Raw       string
	CreatedAt time.Time
}

// ResponseRecord archives a response the TU received on a client
// transaction.
type ResponseRecord struct {
	ID        int64
	Code      int
	Raw       string
	CreatedAt time.Time
}

// Page selects a window of a created_at-descending listing.
type Page struct {
	Page    int64
	PerPage int64
}

func (p Page) Offset() int64 {
	if p.Page < 1 {
		return 0
	}
	return (p.Page - 1) * p.PerPage
}

type TransactionRepo interface {
	Create(ctx context.Context, rec TransactionRecord) (TransactionRecord, error)
	Find(ctx context.Context, id int64) (TransactionRecord, error)
	Update(ctx context.Context, rec TransactionRecord) (TransactionRecord, error)
	Delete(ctx context.Context, id int64) error
	ByBranch(ctx context.Context, branchID string) ([]TransactionRecord, error)
	List(ctx context.Context, page Page) ([]TransactionRecord, error)
}

type DialogRepo interface {
	Create(ctx context.Context, rec DialogRecord) (DialogRecord, error)
	Find(ctx context.Context, id int64) (DialogRecord, error)
	Update(ctx context.Context, rec DialogRecord) (DialogRecord, error)
	Delete(ctx context.Context, id int64) error
	ByCallID(ctx context.Context, callID string) ([]DialogRecord, error)
	List(ctx context.Context, page Page) ([]DialogRecord, error)
}

type RegistrationRepo interface {
	// Upsert creates or refreshes the registration for rec.AOR. The upsert is
	// idempotent: replaying the same registration leaves a single row.
	Upsert(ctx context.Context, rec RegistrationRecord) (RegistrationRecord, error)
	Find(ctx context.Context, id int64) (RegistrationRecord, error)
	ByAOR(ctx context.Context, aor string) (RegistrationRecord, error)
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, page Page) ([]RegistrationRecord, error)
}

type AuthNonceRepo interface {
	Create(ctx context.Context, rec AuthNonce) (AuthNonce, error)
	// Consume removes and returns the nonce, so each challenge is answered at
	// most once. A second consume returns a not-found error.
	Consume(ctx context.Context, nonce string) (AuthNonce, error)
	List(ctx context.Context, page Page) ([]AuthNonce, error)
}

type RequestArchive interface {
	Create(ctx context.Context, rec RequestRecord) (RequestRecord, error)
	List(ctx context.Context, page Page) ([]RequestRecord, error)
}

type ResponseArchive interface {
	Create(ctx context.Context, rec ResponseRecord) (ResponseRecord, error)
	List(ctx context.Context, page Page) ([]ResponseRecord, error)
}

// Store aggregates the per-entity repositories.
type Store interface {
	Transactions() TransactionRepo
	Dialogs() DialogRepo
	Registrations() RegistrationRepo
	AuthNonces() AuthNonceRepo
	Requests() RequestArchive
	Responses() ResponseArchive
	Close()
}
