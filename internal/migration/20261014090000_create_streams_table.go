package migration

import (
	"database/sql"

	"github.com/pressly/goose"
)

func init() {
	goose.AddMigration(Up20261014090000, Down20261014090000)
}

func Up20261014090000(tx *sql.Tx) error {
	_, err := tx.Exec(`
	create table streams (
		id uuid primary key,
		name text not null,
		created_at timestamptz not null default now(),
		closed_at timestamptz,
		chunk_count bigint not null default 0,
		byte_count bigint not null default 0
	);
	`)

	return err
}

func Down20261014090000(tx *sql.Tx) error {
	_, err := tx.Exec(`drop table streams;`)
	return err
}
