package store

import "strings"

// migration represents a single schema migration. {{serial}} in SQL is
// replaced with the dialect's auto-increment primary key.
type migration struct {
	Version int
	Name    string
	SQL     string
}

func (m migration) render(d dialect) string {
	return strings.ReplaceAll(m.SQL, "{{serial}}", d.serialPK)
}

// migrations is the ordered list of all schema migrations. Statements stay
// within the subset both SQLite and PostgreSQL accept.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create sessions",
		SQL: `
			CREATE TABLE sessions (
				user_id                    TEXT PRIMARY KEY,
				id                         TEXT NOT NULL,
				channel_id                 TEXT NOT NULL,
				chat_id                    TEXT NOT NULL,
				sender_id                  TEXT NOT NULL DEFAULT '',
				current_step               TEXT NOT NULL,
				fields                     TEXT NOT NULL DEFAULT '{}',
				rates                      TEXT NOT NULL DEFAULT '[]',
				interrupt                  TEXT NOT NULL DEFAULT '',
				last_step_before_interrupt TEXT NOT NULL DEFAULT '',
				resume_target              TEXT NOT NULL DEFAULT '',
				completed                  INTEGER NOT NULL DEFAULT 0,
				created_at                 TEXT NOT NULL,
				updated_at                 TEXT NOT NULL
			);

			CREATE UNIQUE INDEX idx_sessions_id ON sessions (id);
			CREATE INDEX idx_sessions_updated ON sessions (updated_at);
		`,
	},
	{
		Version: 2,
		Name:    "create orders and templates",
		SQL: `
			CREATE TABLE orders (
				id               TEXT PRIMARY KEY,
				user_id          TEXT NOT NULL,
				session_id       TEXT NOT NULL,
				idempotency_key  TEXT NOT NULL,
				snapshot         TEXT NOT NULL,
				rate             TEXT NOT NULL,
				amount           BIGINT NOT NULL,
				payment_method   TEXT NOT NULL,
				payment_status   TEXT NOT NULL,
				shipping_status  TEXT NOT NULL,
				label            TEXT NOT NULL DEFAULT '{}',
				created_at       TEXT NOT NULL
			);

			CREATE UNIQUE INDEX idx_orders_key ON orders (idempotency_key);
			CREATE INDEX idx_orders_user ON orders (user_id, created_at);

			CREATE TABLE templates (
				id          TEXT PRIMARY KEY,
				user_id     TEXT NOT NULL,
				name        TEXT NOT NULL,
				from_addr   TEXT NOT NULL,
				to_addr     TEXT NOT NULL,
				created_at  TEXT NOT NULL,
				updated_at  TEXT NOT NULL
			);

			CREATE INDEX idx_templates_user ON templates (user_id, created_at);
		`,
	},
	{
		Version: 3,
		Name:    "create ledger and payment intents",
		SQL: `
			CREATE TABLE balances (
				user_id     TEXT PRIMARY KEY,
				amount      BIGINT NOT NULL DEFAULT 0,
				updated_at  TEXT NOT NULL
			);

			CREATE TABLE ledger (
				id               {{serial}},
				user_id          TEXT NOT NULL,
				amount           BIGINT NOT NULL,
				idempotency_key  TEXT NOT NULL,
				reason           TEXT NOT NULL DEFAULT '',
				created_at       TEXT NOT NULL
			);

			CREATE UNIQUE INDEX idx_ledger_key ON ledger (idempotency_key);
			CREATE INDEX idx_ledger_user ON ledger (user_id, id);

			CREATE TABLE payment_intents (
				idempotency_key  TEXT PRIMARY KEY,
				user_id          TEXT NOT NULL,
				session_id       TEXT NOT NULL DEFAULT '',
				channel_id       TEXT NOT NULL DEFAULT '',
				chat_id          TEXT NOT NULL DEFAULT '',
				purpose          TEXT NOT NULL,
				rate_id          TEXT NOT NULL DEFAULT '',
				amount           BIGINT NOT NULL,
				method           TEXT NOT NULL,
				status           TEXT NOT NULL,
				track_id         TEXT NOT NULL DEFAULT '',
				pay_link         TEXT NOT NULL DEFAULT '',
				label            TEXT NOT NULL DEFAULT '',
				created_at       TEXT NOT NULL,
				updated_at       TEXT NOT NULL
			);

			CREATE INDEX idx_intents_status ON payment_intents (status, updated_at);
			CREATE INDEX idx_intents_track ON payment_intents (track_id);
			CREATE INDEX idx_intents_session ON payment_intents (session_id);
		`,
	},
	{
		Version: 4,
		Name:    "keep order snapshot on payment intents",
		SQL: `
			ALTER TABLE payment_intents ADD COLUMN snapshot TEXT NOT NULL DEFAULT '';
			ALTER TABLE payment_intents ADD COLUMN rate TEXT NOT NULL DEFAULT '';
		`,
	},
}
