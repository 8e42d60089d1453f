package dbtest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/lawrencejones/bytesink/internal/migration"
	"github.com/lawrencejones/bytesink/pkg/sinks/postgres"

	kitlog "github.com/go-kit/kit/log"
	"github.com/jackc/pgx/v4"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// DB is used to help test interactions with Postgres. Each suite gets its own schema,
// created and migrated before every test, then dropped before the next so no test sees
// rows left by another.
//
// Tests are skipped unless PGHOST is set, so suites can run without a database.
type DB struct {
	db          *sql.DB
	schema      string
	createFuncs []func(context.Context, *sql.DB) (sql.Result, error)
	cleanFuncs  []func(context.Context, *sql.DB) (sql.Result, error)
}

func Configure(opts ...func(*DB)) *DB {
	dbtest := &DB{schema: migration.DefaultSchema}
	for _, opt := range opts {
		opt(dbtest)
	}

	return dbtest
}

func (d *DB) Setup(ctx context.Context, timeout time.Duration) (context.Context, func()) {
	if os.Getenv("PGHOST") == "" {
		Skip("PGHOST is not set, skipping tests that require Postgres")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)

	// Force close the connection pool, which shouldn't have any connections still open
	if d.db != nil {
		Expect(d.db.Close()).To(Succeed(), "closing database should always succeed")
	}

	// Re-open the connection pool with a search_path that matches our schema, preventing
	// accidental creation/querying of resources in the public namespace.
	cfg, err := pgx.ParseConfig("")
	Expect(err).NotTo(HaveOccurred(), "failed to parse database configuration")
	cfg.RuntimeParams["search_path"] = fmt.Sprintf("%s,public", pgx.Identifier{d.schema}.Sanitize())

	d.db, err = postgres.OpenDB(cfg)
	Expect(err).NotTo(HaveOccurred(), "failed to open database connection")

	// In case previous tests exited abruptly, clean-up before we begin
	for _, clean := range d.cleanFuncs {
		_, err := clean(ctx, d.db)
		Expect(err).NotTo(HaveOccurred(), "failed to run cleanup before test start")
	}

	Expect(migration.Migrate(ctx, kitlog.NewLogfmtLogger(GinkgoWriter), d.db, d.schema)).To(
		Succeed(), "failed to migrate test database",
	)

	// Just before we begin testing, run all the creation functions
	for _, create := range d.createFuncs {
		_, err := create(ctx, d.db)
		Expect(err).NotTo(HaveOccurred(), "failed to run creation before test start")
	}

	return ctx, cancel
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Schema() string {
	return d.schema
}

func WithLifecycle(createFunc, cleanFunc func(context.Context, *sql.DB) (sql.Result, error)) func(*DB) {
	return func(db *DB) {
		if createFunc != nil {
			db.createFuncs = append(db.createFuncs, createFunc)
		}
		if cleanFunc != nil {
			db.cleanFuncs = append(db.cleanFuncs, cleanFunc)
		}
	}
}

// WithSchema runs the suite in its own schema, dropped before every test. Migrations
// recreate it, along with its goose version table.
func WithSchema(name string) func(*DB) {
	return func(db *DB) {
		db.schema = name

		WithLifecycle(
			nil, // created by migration
			func(ctx context.Context, db *sql.DB) (sql.Result, error) {
				return db.ExecContext(ctx, fmt.Sprintf(`drop schema if exists %s cascade;`, pgx.Identifier{name}.Sanitize()))
			},
		)(db)
	}
}
