package store

// schemaDDL creates every table the ingestion path touches. Events, tags and
// the hourly/minute statistic tables are declared PARTITION BY RANGE; the
// scheduler creates and drops the actual partitions (see partitions.go).
const schemaDDL = `
CREATE TABLE IF NOT EXISTS organizations (
    id                  BIGSERIAL PRIMARY KEY,
    slug                TEXT NOT NULL UNIQUE,
    name                TEXT NOT NULL DEFAULT '',
    is_accepting_events BOOLEAN NOT NULL DEFAULT TRUE,
    event_throttle_rate INT NOT NULL DEFAULT 0,
    scrub_ip_addresses  BOOLEAN NOT NULL DEFAULT TRUE,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS projects (
    id                  BIGSERIAL PRIMARY KEY,
    organization_id     BIGINT NOT NULL REFERENCES organizations (id) ON DELETE CASCADE,
    slug                TEXT NOT NULL,
    name                TEXT NOT NULL DEFAULT '',
    platform            TEXT NOT NULL DEFAULT '',
    event_throttle_rate INT NOT NULL DEFAULT 0,
    scrub_ip_addresses  BOOLEAN NOT NULL DEFAULT TRUE,
    first_event         TIMESTAMPTZ,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (organization_id, slug)
);

CREATE TABLE IF NOT EXISTS project_keys (
    id         BIGSERIAL PRIMARY KEY,
    project_id BIGINT NOT NULL REFERENCES projects (id) ON DELETE CASCADE,
    public_key CHAR(32) NOT NULL UNIQUE,
    label      TEXT NOT NULL DEFAULT '',
    is_active  BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

-- Monotonic per-project counter backing human-readable issue short ids.
CREATE TABLE IF NOT EXISTS project_counters (
    project_id BIGINT PRIMARY KEY REFERENCES projects (id) ON DELETE CASCADE,
    value      BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS releases (
    id              BIGSERIAL PRIMARY KEY,
    organization_id BIGINT NOT NULL REFERENCES organizations (id) ON DELETE CASCADE,
    version         TEXT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (organization_id, version)
);

CREATE TABLE IF NOT EXISTS issues (
    id            BIGSERIAL PRIMARY KEY,
    project_id    BIGINT NOT NULL REFERENCES projects (id) ON DELETE CASCADE,
    short_id      BIGINT NOT NULL,
    type          TEXT NOT NULL,
    title         TEXT NOT NULL,
    culprit       TEXT NOT NULL DEFAULT '',
    metadata      JSONB NOT NULL DEFAULT '{}',
    level         TEXT NOT NULL DEFAULT 'error',
    status        SMALLINT NOT NULL DEFAULT 0,
    count         BIGINT NOT NULL DEFAULT 0,
    first_seen    TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_seen     TIMESTAMPTZ NOT NULL DEFAULT now(),
    search_vector TSVECTOR NOT NULL DEFAULT '',
    is_deleted    BOOLEAN NOT NULL DEFAULT FALSE,
    UNIQUE (project_id, short_id)
);
CREATE INDEX IF NOT EXISTS issues_search_idx ON issues USING gin (search_vector);
CREATE INDEX IF NOT EXISTS issues_project_last_seen_idx ON issues (project_id, last_seen DESC);

CREATE TABLE IF NOT EXISTS issue_hashes (
    id         BIGSERIAL PRIMARY KEY,
    project_id BIGINT NOT NULL REFERENCES projects (id) ON DELETE CASCADE,
    value      CHAR(32) NOT NULL,
    issue_id   BIGINT NOT NULL REFERENCES issues (id) ON DELETE CASCADE,
    UNIQUE (project_id, value)
);

CREATE TABLE IF NOT EXISTS issue_events (
    event_id    UUID NOT NULL,
    received    TIMESTAMPTZ NOT NULL,
    issue_id    BIGINT NOT NULL,
    type        TEXT NOT NULL,
    level       TEXT NOT NULL,
    occurred_at TIMESTAMPTZ NOT NULL,
    title       TEXT NOT NULL,
    transaction_name TEXT NOT NULL DEFAULT '',
    release_id  BIGINT,
    tags        JSONB NOT NULL DEFAULT '{}',
    data        JSONB NOT NULL DEFAULT '{}',
    hashes      TEXT[] NOT NULL DEFAULT '{}',
    PRIMARY KEY (event_id, received)
) PARTITION BY RANGE (received);
CREATE INDEX IF NOT EXISTS issue_events_issue_received_idx ON issue_events (issue_id, received DESC);

CREATE TABLE IF NOT EXISTS transaction_groups (
    id               BIGSERIAL PRIMARY KEY,
    project_id       BIGINT NOT NULL REFERENCES projects (id) ON DELETE CASCADE,
    transaction_name TEXT NOT NULL,
    op               TEXT NOT NULL DEFAULT '',
    method           TEXT NOT NULL DEFAULT '',
    UNIQUE (project_id, transaction_name, op, method)
);

CREATE TABLE IF NOT EXISTS transaction_events (
    event_id    UUID NOT NULL,
    received    TIMESTAMPTZ NOT NULL,
    group_id    BIGINT NOT NULL,
    occurred_at TIMESTAMPTZ NOT NULL,
    duration_ms DOUBLE PRECISION NOT NULL,
    tags        JSONB NOT NULL DEFAULT '{}',
    data        JSONB NOT NULL DEFAULT '{}',
    PRIMARY KEY (event_id, received)
) PARTITION BY RANGE (received);

CREATE TABLE IF NOT EXISTS tag_keys (
    id  BIGSERIAL PRIMARY KEY,
    key TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS tag_values (
    id    BIGSERIAL PRIMARY KEY,
    value TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS issue_tags (
    date         TIMESTAMPTZ NOT NULL,
    issue_id     BIGINT NOT NULL,
    tag_key_id   BIGINT NOT NULL,
    tag_value_id BIGINT NOT NULL,
    count        BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (date, issue_id, tag_key_id, tag_value_id)
) PARTITION BY RANGE (date);

CREATE TABLE IF NOT EXISTS project_event_stats (
    project_id BIGINT NOT NULL,
    date       TIMESTAMPTZ NOT NULL,
    count      BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (project_id, date)
) PARTITION BY RANGE (date);

CREATE TABLE IF NOT EXISTS project_transaction_stats (
    project_id BIGINT NOT NULL,
    date       TIMESTAMPTZ NOT NULL,
    count      BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (project_id, date)
) PARTITION BY RANGE (date);

CREATE TABLE IF NOT EXISTS issue_aggregates (
    issue_id        BIGINT NOT NULL,
    organization_id BIGINT NOT NULL,
    date            TIMESTAMPTZ NOT NULL,
    count           BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (issue_id, date)
);

CREATE TABLE IF NOT EXISTS transaction_group_aggregates (
    group_id        BIGINT NOT NULL,
    organization_id BIGINT NOT NULL,
    date            TIMESTAMPTZ NOT NULL,
    count           BIGINT NOT NULL DEFAULT 0,
    total_duration_ms  DOUBLE PRECISION NOT NULL DEFAULT 0,
    sum_sq_duration_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
    PRIMARY KEY (group_id, date)
);

CREATE TABLE IF NOT EXISTS debug_symbol_bundles (
    id              BIGSERIAL PRIMARY KEY,
    organization_id BIGINT NOT NULL REFERENCES organizations (id) ON DELETE CASCADE,
    release_id      BIGINT REFERENCES releases (id) ON DELETE SET NULL,
    debug_id        TEXT,
    file_name       TEXT NOT NULL,
    code_file       TEXT NOT NULL DEFAULT '',
    source_map      BYTEA NOT NULL,
    last_used       TIMESTAMPTZ NOT NULL DEFAULT now(),
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS bundles_debug_id_idx ON debug_symbol_bundles (organization_id, debug_id);
CREATE INDEX IF NOT EXISTS bundles_file_name_idx ON debug_symbol_bundles (organization_id, file_name);

-- Uptime rules belong to the uptime monitor collaborator; the event
-- evaluator skips them.
CREATE TABLE IF NOT EXISTS alert_rules (
    id               BIGSERIAL PRIMARY KEY,
    project_id       BIGINT NOT NULL REFERENCES projects (id) ON DELETE CASCADE,
    name             TEXT NOT NULL DEFAULT '',
    timespan_minutes INT NOT NULL,
    quantity         INT NOT NULL,
    is_uptime        BOOLEAN NOT NULL DEFAULT FALSE,
    is_active        BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS alert_recipients (
    id            BIGSERIAL PRIMARY KEY,
    alert_rule_id BIGINT NOT NULL REFERENCES alert_rules (id) ON DELETE CASCADE,
    recipient_type TEXT NOT NULL,
    url           TEXT NOT NULL DEFAULT '',
    tags_to_add   TEXT[] NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS notifications (
    id            BIGSERIAL PRIMARY KEY,
    alert_rule_id BIGINT NOT NULL REFERENCES alert_rules (id) ON DELETE CASCADE,
    is_sent       BOOLEAN NOT NULL DEFAULT FALSE,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS notification_issues (
    notification_id BIGINT NOT NULL REFERENCES notifications (id) ON DELETE CASCADE,
    issue_id        BIGINT NOT NULL REFERENCES issues (id) ON DELETE CASCADE,
    PRIMARY KEY (notification_id, issue_id)
);

-- Append new lexemes to an issue's search vector, keeping the vector under
-- max_lexemes entries so hot issues cannot grow it without bound.
CREATE OR REPLACE FUNCTION issue_search_vector_append(curr TSVECTOR, new_text TEXT, max_lexemes INT)
RETURNS TSVECTOR LANGUAGE sql IMMUTABLE AS $$
    SELECT COALESCE(array_to_tsvector((
        SELECT array_agg(lexeme)
        FROM (
            SELECT DISTINCT lexeme
            FROM unnest(curr || to_tsvector('english', COALESCE(new_text, ''))) AS t(lexeme, positions, weights)
            ORDER BY lexeme
            LIMIT max_lexemes
        ) capped
    )), ''::tsvector)
$$;
`
