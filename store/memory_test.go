package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sipward/sipward/errs"
)

func TestRegistrationUpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	rec := RegistrationRecord{
		AOR:       "sip:alice@127.0.0.1",
		Contact:   "sip:alice@127.0.0.2:5060",
		ExpiresAt: time.Now().Add(3600 * time.Second),
		Transport: TransportUDP,
		Username:  "alice",
	}

	first, err := st.Registrations().Upsert(ctx, rec)
	require.NoError(t, err)

	second, err := st.Registrations().Upsert(ctx, rec)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	all, err := st.Registrations().List(ctx, Page{Page: 1, PerPage: 10})
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.WithinDuration(t, first.ExpiresAt, all[0].ExpiresAt, time.Second)
}

func TestAuthNonceConsumedAtMostOnce(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	created, err := st.AuthNonces().Create(ctx, AuthNonce{Realm: "127.0.0.1", Nonce: "nonce-1"})
	require.NoError(t, err)
	require.NotZero(t, created.ID)

	got, err := st.AuthNonces().Consume(ctx, "nonce-1")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", got.Realm)

	_, err = st.AuthNonces().Consume(ctx, "nonce-1")
	require.True(t, errs.IsNotFound(err), "second consume must be not found, got %v", err)
}

func TestTransactionByBranchAndPagination(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	for i := 0; i < 5; i++ {
		branch := "z9hG4bK-a"
		if i%2 == 1 {
			branch = "z9hG4bK-b"
		}
		_, err := st.Transactions().Create(ctx, TransactionRecord{State: TransactionTrying, BranchID: branch})
		require.NoError(t, err)
	}

	byBranch, err := st.Transactions().ByBranch(ctx, "z9hG4bK-a")
	require.NoError(t, err)
	require.Len(t, byBranch, 3)

	page1, err := st.Transactions().List(ctx, Page{Page: 1, PerPage: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)

	page3, err := st.Transactions().List(ctx, Page{Page: 3, PerPage: 2})
	require.NoError(t, err)
	require.Len(t, page3, 1)
}

func TestTransactionUpdateMovesUpdatedAtForward(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	rec, err := st.Transactions().Create(ctx, TransactionRecord{State: TransactionTrying, BranchID: "z9hG4bK-x"})
	require.NoError(t, err)

	rec.State = TransactionCompleted
	updated, err := st.Transactions().Update(ctx, rec)
	require.NoError(t, err)
	require.Equal(t, TransactionCompleted, updated.State)
	require.False(t, updated.UpdatedAt.Before(rec.CreatedAt), "updated_at must be monotonically non-decreasing")
}

func TestDialogNullableToTag(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	early, err := st.Dialogs().Create(ctx, DialogRecord{CallID: "c1", FromTag: "f1", Flow: FlowUAS})
	require.NoError(t, err)
	require.Nil(t, early.ToTag)

	toTag := "t1"
	early.ToTag = &toTag
	confirmed, err := st.Dialogs().Update(ctx, early)
	require.NoError(t, err)
	require.NotNil(t, confirmed.ToTag)

	byCall, err := st.Dialogs().ByCallID(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, byCall, 1)
}

func TestFindUnknownIsNotFound(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	_, err := st.Transactions().Find(ctx, 42)
	require.True(t, errs.IsNotFound(err))
	_, err = st.Registrations().ByAOR(ctx, "sip:nobody@example.com")
	require.True(t, errs.IsNotFound(err))
}
