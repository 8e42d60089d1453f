package migration

import (
	"context"
	"database/sql"
	"fmt"
	"io/ioutil"
	"os"

	kitlog "github.com/go-kit/kit/log"
	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"
	"github.com/pressly/goose"
)

// DefaultSchema holds every bytesink table unless configured otherwise.
const DefaultSchema = "bytesink"

// Commands lists the goose commands Run accepts. Migrations are compiled in, so commands
// that generate or rewrite migration files are not offered.
var Commands = []string{"up", "up-by-one", "up-to", "down", "down-to", "redo", "reset", "status", "version"}

// Migrate installs the schema and brings its tables up to date. Migrations create
// unqualified tables, so db must be opened with a search_path led by schemaName.
func Migrate(ctx context.Context, logger kitlog.Logger, db *sql.DB, schemaName string) error {
	return Run(ctx, logger, db, schemaName, "up")
}

// Run installs the schema, then runs a goose command against it. The goose version table
// lives in the same schema as the tables it tracks.
func Run(ctx context.Context, logger kitlog.Logger, db *sql.DB, schemaName, command string, args ...string) error {
	if !isCommand(command) {
		return errors.Errorf("unsupported migration command %q", command)
	}

	schema := pgx.Identifier{schemaName}.Sanitize()

	logger.Log("msg", "initialising schema", "schema", schemaName)
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, schema)); err != nil {
		return errors.Wrap(err, "failed to create schema")
	}

	logger.Log("msg", "running migrations", "schema", schemaName, "command", command)
	goose.SetTableName(fmt.Sprintf("%s.schema_migrations", schema))

	// goose insists on a directory even though every migration is compiled in, so give it
	// an empty scratch directory for the duration of the run.
	dir, err := ioutil.TempDir("", "goose-migrations-")
	if err != nil {
		return errors.Wrap(err, "failed to create scratch migration directory")
	}
	defer os.RemoveAll(dir)

	if err := goose.Run(command, db, dir, args...); err != nil {
		return errors.Wrapf(err, "failed to run migration command %s", command)
	}

	return nil
}

func isCommand(command string) bool {
	for _, candidate := range Commands {
		if candidate == command {
			return true
		}
	}

	return false
}
