package store

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    chat_id    INTEGER NOT NULL UNIQUE,
    username   TEXT NOT NULL DEFAULT '',
    first_name TEXT NOT NULL DEFAULT '',
    last_name  TEXT NOT NULL DEFAULT '',
    joined_at  DATETIME NOT NULL,
    active     BOOLEAN NOT NULL DEFAULT 1,
    admin      BOOLEAN NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS retailers (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    slug              TEXT NOT NULL UNIQUE,
    name              TEXT NOT NULL,
    base_url          TEXT NOT NULL DEFAULT '',
    rotating_proxy    BOOLEAN NOT NULL DEFAULT 0,
    random_user_agent BOOLEAN NOT NULL DEFAULT 0,
    active            BOOLEAN NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS search_queries (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id            INTEGER NOT NULL REFERENCES users(id),
    retailer_id        INTEGER NOT NULL REFERENCES retailers(id),
    query              TEXT NOT NULL,
    endpoint           TEXT NOT NULL DEFAULT '',
    interval_minutes   INTEGER NOT NULL DEFAULT 10,
    active             BOOLEAN NOT NULL DEFAULT 1,
    last_run_at        DATETIME,
    notify_on_new      BOOLEAN NOT NULL DEFAULT 1,
    notify_on_drop     BOOLEAN NOT NULL DEFAULT 1,
    drop_threshold_pct INTEGER NOT NULL DEFAULT 0,
    created_at         DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_queries_user ON search_queries(user_id);
CREATE INDEX IF NOT EXISTS idx_queries_active ON search_queries(active);

CREATE TABLE IF NOT EXISTS products (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    retailer_id     INTEGER NOT NULL REFERENCES retailers(id),
    external_id     TEXT NOT NULL,
    title           TEXT NOT NULL DEFAULT '',
    description     TEXT NOT NULL DEFAULT '',
    price           REAL NOT NULL DEFAULT 0,
    previous_price  REAL,
    currency        TEXT NOT NULL DEFAULT '',
    price_type      TEXT NOT NULL DEFAULT 'fixed',
    image_url       TEXT NOT NULL DEFAULT '',
    product_url     TEXT NOT NULL DEFAULT '',
    location        TEXT NOT NULL DEFAULT '',
    distance_m      INTEGER NOT NULL DEFAULT 0,
    discovered_at   DATETIME NOT NULL,
    last_checked_at DATETIME NOT NULL,
    available       BOOLEAN NOT NULL DEFAULT 1,
    UNIQUE(retailer_id, external_id)
);

CREATE INDEX IF NOT EXISTS idx_products_retailer ON products(retailer_id);
CREATE INDEX IF NOT EXISTS idx_products_checked ON products(last_checked_at);

CREATE TABLE IF NOT EXISTS notifications (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id    INTEGER NOT NULL REFERENCES users(id),
    product_id INTEGER NOT NULL REFERENCES products(id),
    query_id   INTEGER NOT NULL REFERENCES search_queries(id),
    type       TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    read       BOOLEAN NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id);
CREATE INDEX IF NOT EXISTS idx_notifications_read ON notifications(read);
`
