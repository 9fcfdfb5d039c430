package db

var schema = []string{
	`CREATE TABLE IF NOT EXISTS campaigns (
		id            UUID PRIMARY KEY,
		tenant_id     TEXT NOT NULL,
		name          TEXT NOT NULL,
		channels      TEXT[] NOT NULL,
		status        TEXT NOT NULL,
		content       JSONB,
		targeting     JSONB,
		daily_budget  BIGINT,
		start_at      TIMESTAMPTZ,
		end_at        TIMESTAMPTZ,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS campaigns_tenant_idx ON campaigns (tenant_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS campaign_content_variants (
		id           UUID PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		campaign_id  UUID NOT NULL REFERENCES campaigns (id),
		text         TEXT NOT NULL,
		image_refs   TEXT[] NOT NULL DEFAULT '{}',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS integrations (
		id           UUID PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		channel      TEXT NOT NULL,
		connected    BOOLEAN NOT NULL DEFAULT FALSE,
		verified     BOOLEAN NOT NULL DEFAULT FALSE,
		cipher_text  BYTEA,
		iv           BYTEA,
		auth_tag     BYTEA,
		metadata     JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (tenant_id, channel)
	)`,

	`CREATE TABLE IF NOT EXISTS publications (
		tenant_id    TEXT NOT NULL,
		campaign_id  UUID NOT NULL REFERENCES campaigns (id),
		channel      TEXT NOT NULL,
		status       TEXT NOT NULL,
		attempts     INT NOT NULL DEFAULT 0,
		last_error   TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (tenant_id, campaign_id, channel)
	)`,

	// Append-only: one row per completed adapter step.
	`CREATE TABLE IF NOT EXISTS publication_steps (
		tenant_id    TEXT NOT NULL,
		campaign_id  UUID NOT NULL,
		channel      TEXT NOT NULL,
		step         TEXT NOT NULL,
		remote_id    TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (tenant_id, campaign_id, channel, step)
	)`,

	`CREATE TABLE IF NOT EXISTS contacts (
		id                 UUID PRIMARY KEY,
		tenant_id          TEXT NOT NULL,
		phone              TEXT NOT NULL,
		first_name         TEXT NOT NULL DEFAULT '',
		last_name          TEXT NOT NULL DEFAULT '',
		location           TEXT NOT NULL DEFAULT '',
		preferred_product  TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS contacts_tenant_idx ON contacts (tenant_id)`,
}
