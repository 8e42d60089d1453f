package migration

import (
	"database/sql"

	"github.com/pressly/goose"
)

func init() {
	goose.AddMigration(Up20261014090500, Down20261014090500)
}

func Up20261014090500(tx *sql.Tx) error {
	_, err := tx.Exec(`
	create table chunks (
		stream_id uuid not null references streams(id) on delete cascade,
		seq bigint not null,
		payload bytea not null,
		created_at timestamptz not null default now(),
		primary key (stream_id, seq)
	);
	`)

	return err
}

func Down20261014090500(tx *sql.Tx) error {
	_, err := tx.Exec(`drop table chunks;`)
	return err
}
