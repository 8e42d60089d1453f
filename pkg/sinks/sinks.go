package sinks

import (
	"context"
	"database/sql"
	"fmt"

	sinkfile "github.com/lawrencejones/bytesink/pkg/sinks/file"
	sinkpostgres "github.com/lawrencejones/bytesink/pkg/sinks/postgres"
	"github.com/lawrencejones/bytesink/pkg/stream"

	kitlog "github.com/go-kit/kit/log"
)

// Kinds lists every sink Open can construct.
var Kinds = []string{"file", "memory", "postgres"}

// Descriptor selects a sink and carries the options for each kind. Only the options
// matching Kind are used.
type Descriptor struct {
	Kind     string
	File     sinkfile.Options
	Postgres sinkpostgres.Options

	// DB is required by postgres sinks, which acquire a connection from it
	DB *sql.DB
}

// Open constructs the sink described by desc. The sink is the terminal component of a
// pipeline, and owns whatever resource it opened until it is closed.
func Open(ctx context.Context, logger kitlog.Logger, desc Descriptor) (stream.Component, error) {
	logger = kitlog.With(logger, "sink", desc.Kind)

	switch desc.Kind {
	case "file":
		sink, err := sinkfile.New(logger, desc.File)
		if err != nil {
			return nil, err
		}

		return sink, nil
	case "postgres":
		if desc.DB == nil {
			return nil, fmt.Errorf("postgres sink requires a database")
		}

		sink, err := sinkpostgres.New(ctx, logger, desc.DB, desc.Postgres)
		if err != nil {
			return nil, err
		}

		return sink, nil
	case "memory":
		return stream.NewMemorySink(), nil
	}

	return nil, fmt.Errorf("unsupported sink type: %s", desc.Kind)
}
