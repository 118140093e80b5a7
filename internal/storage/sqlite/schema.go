package sqlite

const schema = `
-- Observation groups, keyed by the timestamp token shared by their subbands
CREATE TABLE IF NOT EXISTS groups (
    group_id TEXT PRIMARY KEY,
    state TEXT NOT NULL DEFAULT 'collecting'
        CHECK(state IN ('collecting','pending','in_progress','completed','failed')),
    received_at DATETIME NOT NULL,
    last_update DATETIME NOT NULL,
    expected_subbands INTEGER NOT NULL DEFAULT 16
        CHECK(expected_subbands >= 1 AND expected_subbands <= 16),
    subbands_present INTEGER NOT NULL DEFAULT 0,
    retry_count INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT '',
    calibrator_name TEXT NOT NULL DEFAULT '',
    calibrator_flux_jy REAL,
    calibrator_separation_deg REAL,
    -- Pointing and observation time from subband 0, authoritative for the group
    ra_deg REAL,
    dec_deg REAL,
    obs_mjd REAL
);

CREATE INDEX IF NOT EXISTS idx_groups_state ON groups(state);
CREATE INDEX IF NOT EXISTS idx_groups_received_at ON groups(received_at);

-- Subband files, one row per (group, frequency slice)
CREATE TABLE IF NOT EXISTS subbands (
    group_id TEXT NOT NULL,
    subband_idx INTEGER NOT NULL CHECK(subband_idx >= 0 AND subband_idx <= 15),
    path TEXT NOT NULL,
    size INTEGER NOT NULL DEFAULT 0,
    mtime_ns INTEGER NOT NULL DEFAULT 0,
    discovered_at DATETIME NOT NULL,
    stored INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (group_id, subband_idx),
    FOREIGN KEY (group_id) REFERENCES groups(group_id) ON DELETE CASCADE
);

-- Durable work queue
CREATE TABLE IF NOT EXISTS work_items (
    id TEXT PRIMARY KEY,
    job_type TEXT NOT NULL,
    payload TEXT NOT NULL DEFAULT '{}',
    state TEXT NOT NULL DEFAULT 'pending'
        CHECK(state IN ('pending','in_progress','completed','failed','dead')),
    lease_owner TEXT,
    lease_deadline DATETIME,
    retry_count INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 3,
    next_attempt_at DATETIME NOT NULL,
    last_error TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

-- Claim scans pending items in (next_attempt_at, id) order
CREATE INDEX IF NOT EXISTS idx_work_items_claim ON work_items(state, next_attempt_at, id);
CREATE INDEX IF NOT EXISTS idx_work_items_lease ON work_items(state, lease_deadline);

-- Calibration artifacts. valid_end_mjd NULL means open-ended.
CREATE TABLE IF NOT EXISTS cal_artifacts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    set_name TEXT NOT NULL,
    path TEXT NOT NULL,
    table_type TEXT NOT NULL
        CHECK(table_type IN ('K','BA','BP','GA','GP','2G','FLUX')),
    order_index INTEGER NOT NULL,
    cal_field TEXT NOT NULL DEFAULT '',
    valid_start_mjd REAL NOT NULL,
    valid_end_mjd REAL,
    status TEXT NOT NULL DEFAULT 'active'
        CHECK(status IN ('active','retired','failed')),
    solver_params TEXT NOT NULL DEFAULT '{}',
    quality_metrics TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL,
    UNIQUE(order_index, created_at)
);

CREATE INDEX IF NOT EXISTS idx_cal_artifacts_window
    ON cal_artifacts(status, valid_start_mjd, valid_end_mjd);
CREATE INDEX IF NOT EXISTS idx_cal_artifacts_set ON cal_artifacts(set_name);

-- Product registry
CREATE TABLE IF NOT EXISTS products (
    data_id TEXT PRIMARY KEY,
    data_type TEXT NOT NULL,
    group_id TEXT NOT NULL DEFAULT '',
    stage_path TEXT NOT NULL,
    published_path TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL DEFAULT 'staging'
        CHECK(state IN ('staging','validated','publishing','published','failed','retracted')),
    qa_status TEXT NOT NULL DEFAULT 'pending'
        CHECK(qa_status IN ('pending','running','passed','failed','warning')),
    validation_status TEXT NOT NULL DEFAULT 'pending'
        CHECK(validation_status IN ('pending','validated','invalid')),
    finalization_status TEXT NOT NULL DEFAULT 'pending'
        CHECK(finalization_status IN ('pending','finalized','rejected')),
    -- NULL until photometry runs; the publish gate accepts NULL or 'completed'
    photometry_status TEXT
        CHECK(photometry_status IS NULL OR photometry_status IN ('completed','failed')),
    auto_publish INTEGER NOT NULL DEFAULT 0,
    publish_attempts INTEGER NOT NULL DEFAULT 0,
    publish_error TEXT NOT NULL DEFAULT '',
    last_publish_attempt_at DATETIME,
    metadata TEXT NOT NULL DEFAULT '{}',
    creator_stage TEXT NOT NULL DEFAULT '',
    job_id TEXT NOT NULL DEFAULT '',
    ra_deg REAL,
    dec_deg REAL,
    obs_start_mjd REAL,
    obs_end_mjd REAL,
    created_at DATETIME NOT NULL,
    staged_at DATETIME,
    published_at DATETIME,
    retracted_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_products_type ON products(data_type);
CREATE INDEX IF NOT EXISTS idx_products_state ON products(state);
CREATE INDEX IF NOT EXISTS idx_products_obs ON products(obs_start_mjd, obs_end_mjd);
-- Note: idx_products_sky is created in migrations/002_product_sky_index.go

-- Provenance edges. parent_id carries no FK so parents may be linked
-- before registration settles (mirrors late-arriving lineage).
CREATE TABLE IF NOT EXISTS product_parents (
    data_id TEXT NOT NULL,
    parent_id TEXT NOT NULL,
    PRIMARY KEY (data_id, parent_id),
    FOREIGN KEY (data_id) REFERENCES products(data_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_product_parents_parent ON product_parents(parent_id);

-- Advisory measurement-set locks, keyed by canonical path
CREATE TABLE IF NOT EXISTS ms_locks (
    path TEXT PRIMARY KEY,
    owner_job TEXT NOT NULL,
    acquired_at DATETIME NOT NULL,
    expires_at DATETIME NOT NULL
);

-- Append-only processing journal
CREATE TABLE IF NOT EXISTS job_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    group_id TEXT NOT NULL DEFAULT '',
    work_item_id TEXT NOT NULL DEFAULT '',
    stage TEXT NOT NULL DEFAULT '',
    event_type TEXT NOT NULL,
    detail TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_job_events_group ON job_events(group_id, created_at);
CREATE INDEX IF NOT EXISTS idx_job_events_item ON job_events(work_item_id);

-- Internal key/value state (kernel version pin, bookkeeping)
CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
