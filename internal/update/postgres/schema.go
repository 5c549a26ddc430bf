package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS updates (
	update_id TEXT PRIMARY KEY,
	runtime_version TEXT NOT NULL,
	version TEXT NOT NULL,
	config JSONB NOT NULL,
	type TEXT NOT NULL,
	created_at TIMESTAMPTZ,

	CONSTRAINT updates_type_valid CHECK (type IN ('normal', 'rollback-to-embedded'))
);

-- Version uniqueness is enforced against published updates only; concurrent
-- drafts carrying the same version may coexist until one of them publishes.
CREATE UNIQUE INDEX IF NOT EXISTS updates_published_version_key
	ON updates (version) WHERE created_at IS NOT NULL;

CREATE INDEX IF NOT EXISTS updates_runtime_published_idx
	ON updates (runtime_version, created_at DESC) WHERE created_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS files (
	file_id TEXT PRIMARY KEY,
	verified BOOLEAN NOT NULL DEFAULT FALSE,
	presigned TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS assets (
	update_id TEXT NOT NULL REFERENCES updates (update_id),
	file_id TEXT NOT NULL REFERENCES files (file_id),
	platform TEXT NOT NULL,
	launch_asset BOOLEAN NOT NULL DEFAULT FALSE,

	PRIMARY KEY (update_id, file_id, platform),
	CONSTRAINT assets_platform_valid CHECK (platform IN ('ios', 'android'))
);
`
