package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const tablesDDL = `
CREATE TABLE IF NOT EXISTS locations (
  id varchar(32) PRIMARY KEY,
  code TEXT NOT NULL,
  city varchar(16) NOT NULL,
  created_at %[1]s NOT NULL,
  UNIQUE (city, code)
);
CREATE TABLE IF NOT EXISTS packages (
  id varchar(32) PRIMARY KEY,
  package_number TEXT NOT NULL,
  location TEXT NOT NULL,
  package_status TEXT NOT NULL DEFAULT 'in-warehouse',
  customer_service TEXT,
  shelving_time %[1]s,
  instruction_time %[1]s,
  unshelving_time %[1]s,
  last_modified_by TEXT NOT NULL DEFAULT '',
  city varchar(16) NOT NULL,
  created_at %[1]s NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_packages_city_location ON packages (city, location);
CREATE INDEX IF NOT EXISTS idx_packages_city_status ON packages (city, package_status);
CREATE TABLE IF NOT EXISTS profiles (
  id varchar(36) PRIMARY KEY,
  email TEXT NOT NULL UNIQUE,
  username TEXT NOT NULL UNIQUE,
  password_hash TEXT,
  role TEXT NOT NULL DEFAULT 'user',
  cities TEXT NOT NULL DEFAULT '[]',
  current_city TEXT,
  is_active BOOLEAN NOT NULL DEFAULT true,
  created_at %[1]s NOT NULL,
  updated_at %[1]s
);
CREATE TABLE IF NOT EXISTS refresh_sessions (
  id varchar(32) PRIMARY KEY,
  token_hash varchar(64) NOT NULL UNIQUE,
  user_id varchar(36) NOT NULL,
  expires_at %[1]s NOT NULL,
  created_at %[1]s NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_refresh_sessions_user ON refresh_sessions (user_id);
`

// notifyDDL installs row triggers that publish every change of the scoped
// tables on a NOTIFY channel as {table, kind, scope, row}.
const notifyDDL = `
CREATE OR REPLACE FUNCTION warehouse_notify_change() RETURNS trigger AS $$
DECLARE
  rec RECORD;
BEGIN
  IF TG_OP = 'DELETE' THEN
    rec := OLD;
  ELSE
    rec := NEW;
  END IF;
  PERFORM pg_notify(TG_ARGV[0], json_build_object(
    'table', TG_TABLE_NAME,
    'kind', lower(TG_OP),
    'scope', rec.city,
    'row', row_to_json(rec)
  )::text);
  RETURN rec;
END;
$$ LANGUAGE plpgsql;
DROP TRIGGER IF EXISTS locations_notify ON locations;
CREATE TRIGGER locations_notify AFTER INSERT OR UPDATE OR DELETE ON locations
  FOR EACH ROW EXECUTE FUNCTION warehouse_notify_change(%[1]s);
DROP TRIGGER IF EXISTS packages_notify ON packages;
CREATE TRIGGER packages_notify AFTER INSERT OR UPDATE OR DELETE ON packages
  FOR EACH ROW EXECUTE FUNCTION warehouse_notify_change(%[1]s);
`

// EnsureSchema creates the warehouse tables if they do not exist (idempotent).
// On Postgres it also (re)installs the change notification triggers for channel.
// This is a convenience for early development; prefer migrations in production.
func EnsureSchema(ctx context.Context, db *sqlx.DB, channel string) error {
	tsType := "TIMESTAMPTZ"
	if db.DriverName() == DriverSQLite {
		tsType = "DATETIME"
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(tablesDDL, tsType)); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	if db.DriverName() != DriverPostgres {
		return nil
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(notifyDDL, quoteLiteral(channel))); err != nil {
		return fmt.Errorf("install notify triggers: %w", err)
	}
	return nil
}
