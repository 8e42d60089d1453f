package postgres

import (
	"database/sql"
	"sync"

	"contrib.go.opencensus.io/integrations/ocsql"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/stdlib"
	"github.com/pkg/errors"
)

var (
	tracedDriverOnce sync.Once
	tracedDriver     string
	tracedDriverErr  error
)

// OpenDB opens a pool using the pgx driver, wrapped so every query creates a span. The
// config is registered with pgx rather than rendered back to a connection string, which
// preserves anything set in code such as runtime parameters.
//
// Callers that need the raw pgx connection can still get one:
//
//	var conn *pgx.Conn
//	conn, _ = stdlib.AcquireConn(db)
//	defer stdlib.ReleaseConn(db, conn)
func OpenDB(cfg *pgx.ConnConfig) (*sql.DB, error) {
	tracedDriverOnce.Do(func() {
		tracedDriver, tracedDriverErr = ocsql.Register("pgx", ocsql.WithAllTraceOptions())
	})

	if tracedDriverErr != nil {
		return nil, errors.Wrap(tracedDriverErr, "failed to register traced pgx driver")
	}

	db, err := sql.Open(tracedDriver, stdlib.RegisterConnConfig(cfg))
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialise db.SQL")
	}

	return db, nil
}
