package store

// Schema migrations, applied in order. State enums are stored as lowercase
// text for compatibility with existing deployments.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS dialogs (
		id         BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		call_id    TEXT NOT NULL,
		from_tag   TEXT NOT NULL,
		to_tag     TEXT,
		flow       TEXT NOT NULL CHECK (flow IN ('uac', 'uas')),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS dialogs_call_id_idx ON dialogs (call_id)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id         BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		state      TEXT NOT NULL CHECK (state IN ('trying', 'proceeding', 'completed', 'terminated')),
		branch_id  TEXT NOT NULL,
		dialog_id  BIGINT REFERENCES dialogs (id) ON DELETE CASCADE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS transactions_branch_id_idx ON transactions (branch_id)`,
	`CREATE TABLE IF NOT EXISTS registrations (
		id         BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		aor        TEXT NOT NULL UNIQUE,
		contact    TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		transport  TEXT NOT NULL CHECK (transport IN ('udp', 'tcp', 'tls', 'ws')),
		username   TEXT NOT NULL,
		password   TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS auth_requests (
		id         BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		realm      TEXT NOT NULL,
		nonce      TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS auth_requests_nonce_idx ON auth_requests (nonce)`,
	`CREATE TABLE IF NOT EXISTS requests (
		id         BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		method     TEXT NOT NULL,
		raw        TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS responses (
		id         BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		code       INTEGER NOT NULL,
		raw        TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}
