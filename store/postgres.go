package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sipward/sipward/errs"
)

// MaxConns bounds the backend connection pool. Acquisition beyond the bound
// queues FIFO inside pgx.
const MaxConns = 20

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errs.Wrapf(errs.KindStoreConnection, err, "parse DATABASE_URL")
	}
	cfg.MaxConns = MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreConnection, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.Wrap(errs.KindStoreConnection, err)
	}

	return &Postgres{
		pool: pool,
		log:  log.Logger.With().Str("caller", "store.Postgres").Logger(),
	}, nil
}

func (p *Postgres) Transactions() TransactionRepo   { return &pgTransactions{p} }
func (p *Postgres) Dialogs() DialogRepo             { return &pgDialogs{p} }
func (p *Postgres) Registrations() RegistrationRepo { return &pgRegistrations{p} }
func (p *Postgres) AuthNonces() AuthNonceRepo       { return &pgNonces{p} }
func (p *Postgres) Requests() RequestArchive        { return &pgRequests{p} }
func (p *Postgres) Responses() ResponseArchive      { return &pgResponses{p} }
func (p *Postgres) Close()                          { p.pool.Close() }

// Migrate applies the embedded schema migrations in order.
func (p *Postgres) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return errs.Wrapf(errs.KindStoreBackend, err, "migration %d", i)
		}
		p.log.Debug().Int("migration", i).Msg("applied")
	}
	return nil
}

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.Wrap(errs.KindStoreNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return errs.Wrap(errs.KindStoreConflict, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return errs.Wrap(errs.KindStoreConnection, err)
	}
	return errs.Wrap(errs.KindStoreBackend, err)
}

type pgTransactions struct{ p *Postgres }

func (r *pgTransactions) Create(ctx context.Context, rec TransactionRecord) (TransactionRecord, error) {
	row := r.p.pool.QueryRow(ctx,
		`INSERT INTO transactions (state, branch_id, dialog_id, created_at, updated_at)
		 VALUES ($1, $2, $3, now(), now())
		 RETURNING id, created_at, updated_at`,
		string(rec.State), rec.BranchID, rec.DialogID)
	if err := row.Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return TransactionRecord{}, storeErr(err)
	}
	return rec, nil
}

func (r *pgTransactions) Find(ctx context.Context, id int64) (TransactionRecord, error) {
	row := r.p.pool.QueryRow(ctx,
		`SELECT id, state, branch_id, dialog_id, created_at, updated_at
		 FROM transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

func (r *pgTransactions) Update(ctx context.Context, rec TransactionRecord) (TransactionRecord, error) {
	row := r.p.pool.QueryRow(ctx,
		`UPDATE transactions SET state = $2, branch_id = $3, dialog_id = $4, updated_at = now()
		 WHERE id = $1
		 RETURNING id, state, branch_id, dialog_id, created_at, updated_at`,
		rec.ID, string(rec.State), rec.BranchID, rec.DialogID)
	return scanTransaction(row)
}

func (r *pgTransactions) Delete(ctx context.Context, id int64) error {
	tag, err := r.p.pool.Exec(ctx, `DELETE FROM transactions WHERE id = $1`, id)
	if err != nil {
		return storeErr(err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Newf(errs.KindStoreNotFound, "transaction %d", id)
	}
	return nil
}

func (r *pgTransactions) ByBranch(ctx context.Context, branchID string) ([]TransactionRecord, error) {
	rows, err := r.p.pool.Query(ctx,
		`SELECT id, state, branch_id, dialog_id, created_at, updated_at
		 FROM transactions WHERE branch_id = $1 ORDER BY created_at DESC`, branchID)
	if err != nil {
		return nil, storeErr(err)
	}
	return scanTransactions(rows)
}

func (r *pgTransactions) List(ctx context.Context, page Page) ([]TransactionRecord, error) {
	rows, err := r.p.pool.Query(ctx,
		`SELECT id, state, branch_id, dialog_id, created_at, updated_at
		 FROM transactions ORDER BY created_at DESC OFFSET $1 LIMIT $2`,
		page.Offset(), page.PerPage)
	if err != nil {
		return nil, storeErr(err)
	}
	return scanTransactions(rows)
}

func scanTransaction(row pgx.Row) (TransactionRecord, error) {
	var rec TransactionRecord
	var state string
	if err := row.Scan(&rec.ID, &state, &rec.BranchID, &rec.DialogID, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return TransactionRecord{}, storeErr(err)
	}
	rec.State = TransactionState(state)
	return rec, nil
}

func scanTransactions(rows pgx.Rows) ([]TransactionRecord, error) {
	defer rows.Close()
	var out []TransactionRecord
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, storeErr(rows.Err())
}

type pgDialogs struct{ p *Postgres }

func (r *pgDialogs) Create(ctx context.Context, rec DialogRecord) (DialogRecord, error) {
	row := r.p.pool.QueryRow(ctx,
		`INSERT INTO dialogs (call_id, from_tag, to_tag, flow, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, now(), now())
		 RETURNING id, created_at, updated_at`,
		rec.CallID, rec.FromTag, rec.ToTag, string(rec.Flow))
	if err := row.Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return DialogRecord{}, storeErr(err)
	}
	return rec, nil
}

func (r *pgDialogs) Find(ctx context.Context, id int64) (DialogRecord, error) {
	row := r.p.pool.QueryRow(ctx,
		`SELECT id, call_id, from_tag, to_tag, flow, created_at, updated_at
		 FROM dialogs WHERE id = $1`, id)
	return scanDialog(row)
}

func (r *pgDialogs) Update(ctx context.Context, rec DialogRecord) (DialogRecord, error) {
	row := r.p.pool.QueryRow(ctx,
		`UPDATE dialogs SET call_id = $2, from_tag = $3, to_tag = $4, flow = $5, updated_at = now()
		 WHERE id = $1
		 RETURNING id, call_id, from_tag, to_tag, flow, created_at, updated_at`,
		rec.ID, rec.CallID, rec.FromTag, rec.ToTag, string(rec.Flow))
	return scanDialog(row)
}

func (r *pgDialogs) Delete(ctx context.Context, id int64) error {
	tag, err := r.p.pool.Exec(ctx, `DELETE FROM dialogs WHERE id = $1`, id)
	if err != nil {
		return storeErr(err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Newf(errs.KindStoreNotFound, "dialog %d", id)
	}
	return nil
}

func (r *pgDialogs) ByCallID(ctx context.Context, callID string) ([]DialogRecord, error) {
	rows, err := r.p.pool.Query(ctx,
		`SELECT id, call_id, from_tag, to_tag, flow, created_at, updated_at
		 FROM dialogs WHERE call_id = $1 ORDER BY created_at DESC`, callID)
	if err != nil {
		return nil, storeErr(err)
	}
	return scanDialogs(rows)
}

func (r *pgDialogs) List(ctx context.Context, page Page) ([]DialogRecord, error) {
	rows, err := r.p.pool.Query(ctx,
		`SELECT id, call_id, from_tag, to_tag, flow, created_at, updated_at
		 FROM dialogs ORDER BY created_at DESC OFFSET $1 LIMIT $2`,
		page.Offset(), page.PerPage)
	if err != nil {
		return nil, storeErr(err)
	}
	return scanDialogs(rows)
}

func scanDialog(row pgx.Row) (DialogRecord, error) {
	var rec DialogRecord
	var flow string
	if err := row.Scan(&rec.ID, &rec.CallID, &rec.FromTag, &rec.ToTag, &flow, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return DialogRecord{}, storeErr(err)
	}
	rec.Flow = DialogFlow(flow)
	return rec, nil
}

func scanDialogs(rows pgx.Rows) ([]DialogRecord, error) {
	defer rows.Close()
	var out []DialogRecord
	for rows.Next() {
		rec, err := scanDialog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, storeErr(rows.Err())
}

type pgRegistrations struct{ p *Postgres }

func (r *pgRegistrations) Upsert(ctx context.Context, rec RegistrationRecord) (RegistrationRecord, error) {
	row := r.p.pool.QueryRow(ctx,
		`INSERT INTO registrations (aor, contact, expires_at, transport, username, password, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		 ON CONFLICT (aor) DO UPDATE SET
		   contact = EXCLUDED.contact,
		   expires_at = EXCLUDED.expires_at,
		   transport = EXCLUDED.transport,
		   username = EXCLUDED.username,
		   password = COALESCE(NULLIF(EXCLUDED.password, ''), registrations.password),
		   updated_at = now()
		 RETURNING id, password, created_at, updated_at`,
		rec.AOR, rec.Contact, rec.ExpiresAt, string(rec.Transport), rec.Username, rec.Password)
	if err := row.Scan(&rec.ID, &rec.Password, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return RegistrationRecord{}, storeErr(err)
	}
	return rec, nil
}

func (r *pgRegistrations) Find(ctx context.Context, id int64) (RegistrationRecord, error) {
	row := r.p.pool.QueryRow(ctx,
		`SELECT id, aor, contact, expires_at, transport, username, password, created_at, updated_at
		 FROM registrations WHERE id = $1`, id)
	return scanRegistration(row)
}

func (r *pgRegistrations) ByAOR(ctx context.Context, aor string) (RegistrationRecord, error) {
	row := r.p.pool.QueryRow(ctx,
		`SELECT id, aor, contact, expires_at, transport, username, password, created_at, updated_at
		 FROM registrations WHERE aor = $1`, aor)
	return scanRegistration(row)
}

func (r *pgRegistrations) Delete(ctx context.Context, id int64) error {
	tag, err := r.p.pool.Exec(ctx, `DELETE FROM registrations WHERE id = $1`, id)
	if err != nil {
		return storeErr(err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Newf(errs.KindStoreNotFound, "registration %d", id)
	}
	return nil
}

func (r *pgRegistrations) List(ctx context.Context, page Page) ([]RegistrationRecord, error) {
	rows, err := r.p.pool.Query(ctx,
		`SELECT id, aor, contact, expires_at, transport, username, password, created_at, updated_at
		 FROM registrations ORDER BY created_at DESC OFFSET $1 LIMIT $2`,
		page.Offset(), page.PerPage)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	var out []RegistrationRecord
	for rows.Next() {
		rec, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, storeErr(rows.Err())
}

func scanRegistration(row pgx.Row) (RegistrationRecord, error) {
	var rec RegistrationRecord
	var transport string
	if err := row.Scan(&rec.ID, &rec.AOR, &rec.Contact, &rec.ExpiresAt, &transport,
		&rec.Username, &rec.Password, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return RegistrationRecord{}, storeErr(err)
	}
	rec.Transport = TransportType(transport)
	return rec, nil
}

type pgNonces struct{ p *Postgres }

func (r *pgNonces) Create(ctx context.Context, rec AuthNonce) (AuthNonce, error) {
	row := r.p.pool.QueryRow(ctx,
		`INSERT INTO auth_requests (realm, nonce, created_at) VALUES ($1, $2, now())
		 RETURNING id, created_at`,
		rec.Realm, rec.Nonce)
	if err := row.Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return AuthNonce{}, storeErr(err)
	}
	return rec, nil
}

func (r *pgNonces) Consume(ctx context.Context, nonce string) (AuthNonce, error) {
	row := r.p.pool.QueryRow(ctx,
		`DELETE FROM auth_requests WHERE nonce = $1 RETURNING id, realm, nonce, created_at`, nonce)
	var rec AuthNonce
	if err := row.Scan(&rec.ID, &rec.Realm, &rec.Nonce, &rec.CreatedAt); err != nil {
		return AuthNonce{}, storeErr(err)
	}
	return rec, nil
}

func (r *pgNonces) List(ctx context.Context, page Page) ([]AuthNonce, error) {
	rows, err := r.p.pool.Query(ctx,
		`SELECT id, realm, nonce, created_at FROM auth_requests
		 ORDER BY created_at DESC OFFSET $1 LIMIT $2`,
		page.Offset(), page.PerPage)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	var out []AuthNonce
	for rows.Next() {
		var rec AuthNonce
		if err := rows.Scan(&rec.ID, &rec.Realm, &rec.Nonce, &rec.CreatedAt); err != nil {
			return nil, storeErr(err)
		}
		out = append(out, rec)
	}
	return out, storeErr(rows.Err())
}

type pgRequests struct{ p *Postgres }

func (r *pgRequests) Create(ctx context.Context, rec RequestRecord) (RequestRecord, error) {
	row := r.p.pool.QueryRow(ctx,
		`INSERT INTO requests (method, raw, created_at) VALUES ($1, $2, now())
		 RETURNING id, created_at`,
		rec.Method, rec.Raw)
	if err := row.Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return RequestRecord{}, storeErr(err)
	}
	return rec, nil
}

func (r *pgRequests) List(ctx context.Context, page Page) ([]RequestRecord, error) {
	rows, err := r.p.pool.Query(ctx,
		`SELECT id, method, raw, created_at FROM requests
		 ORDER BY created_at DESC OFFSET $1 LIMIT $2`,
		page.Offset(), page.PerPage)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	var out []RequestRecord
	for rows.Next() {
		var rec RequestRecord
		if err := rows.Scan(&rec.ID, &rec.Method, &rec.Raw, &rec.CreatedAt); err != nil {
			return nil, storeErr(err)
		}
		out = append(out, rec)
	}
	return out, storeErr(rows.Err())
}

type pgResponses struct{ p *Postgres }

func (r *pgResponses) Create(ctx context.Context, rec ResponseRecord) (ResponseRecord, error) {
	row := r.p.pool.QueryRow(ctx,
		`INSERT INTO responses (code, raw, created_at) VALUES ($1, $2, now())
		 RETURNING id, created_at`,
		rec.Code, rec.Raw)
	if err := row.Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return ResponseRecord{}, storeErr(err)
	}
	return rec, nil
}

func (r *pgResponses) List(ctx context.Context, page Page) ([]ResponseRecord, error) {
	rows, err := r.p.pool.Query(ctx,
		`SELECT id, code, raw, created_at FROM responses
		 ORDER BY created_at DESC OFFSET $1 LIMIT $2`,
		page.Offset(), page.PerPage)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	var out []ResponseRecord
	for rows.Next() {
		var rec ResponseRecord
		if err := rows.Scan(&rec.ID, &rec.Code, &rec.Raw, &rec.CreatedAt); err != nil {
			return nil, storeErr(err)
		}
		out = append(out, rec)
	}
	return out, storeErr(rows.Err())
}
