package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/alecthomas/kingpin"
	"github.com/lawrencejones/bytesink/pkg/stream"

	kitlog "github.com/go-kit/kit/log"
	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

type Options struct {
	Schema     string
	StreamName string
}

func (opt *Options) Bind(cmd *kingpin.CmdClause, prefix string) *Options {
	cmd.Flag(fmt.Sprintf("%sschema", prefix), "Postgres schema holding the bytesink tables").Default("bytesink").StringVar(&opt.Schema)
	cmd.Flag(fmt.Sprintf("%sstream-name", prefix), "Name recorded against the stream").Default("bytesink").StringVar(&opt.StreamName)

	return opt
}

// Sink stores each chunk as a row in the chunks table, numbered by its position in the
// stream. Every sink owns one stream, registered on construction and marked closed when
// the sink is closed.
//
// A sink pins a single connection from the pool for its lifetime, so chunks are always
// inserted in order and the connection is released exactly once.
type Sink struct {
	logger   kitlog.Logger
	conn     execCloser
	streams  string
	chunks   string
	streamID uuid.UUID
	seq      int64
	bytes    int64
	closed   bool
}

var _ stream.Component = &Sink{}

// execCloser is the part of *sql.Conn the sink depends on.
type execCloser interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	Close() error
}

func New(ctx context.Context, logger kitlog.Logger, db *sql.DB, opts Options) (*Sink, error) {
	ctx, span := trace.StartSpan(ctx, "pkg/sinks/postgres.New")
	defer span.End()

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, &stream.ResourceError{Sink: "postgres", Op: "open", Err: errors.Wrap(err, "failed to acquire connection")}
	}

	sink := &Sink{
		conn:     conn,
		streams:  pgx.Identifier{opts.Schema, "streams"}.Sanitize(),
		chunks:   pgx.Identifier{opts.Schema, "chunks"}.Sanitize(),
		streamID: uuid.New(),
	}

	sink.logger = kitlog.With(logger, "stream_id", sink.streamID.String())

	query := fmt.Sprintf(`insert into %s (id, name) values ($1, $2);`, sink.streams)
	if _, err := conn.ExecContext(ctx, query, sink.streamID, opts.StreamName); err != nil {
		conn.Close()
		return nil, sink.resourceError("open", err, "failed to register stream")
	}

	sink.logger.Log("event", "stream_registered", "name", opts.StreamName)

	return sink, nil
}

func (s *Sink) Name() string { return "postgres" }

// StreamID identifies the rows written by this sink.
func (s *Sink) StreamID() uuid.UUID { return s.streamID }

func (s *Sink) Write(ctx context.Context, buf []byte) error {
	if s.closed {
		return &stream.ClosedError{Layer: s.Name(), Op: "write"}
	}

	query := fmt.Sprintf(`insert into %s (stream_id, seq, payload) values ($1, $2, $3);`, s.chunks)
	if _, err := s.conn.ExecContext(ctx, query, s.streamID, s.seq, buf); err != nil {
		return s.resourceError("write", err, "failed to insert chunk")
	}

	s.seq++
	s.bytes += int64(len(buf))

	return nil
}

// Close records the stream's totals and releases the connection, which happens even if
// the update fails.
func (s *Sink) Close(ctx context.Context) error {
	if s.closed {
		return &stream.ClosedError{Layer: s.Name(), Op: "close"}
	}

	s.closed = true

	query := fmt.Sprintf(`update %s set closed_at = now(), chunk_count = $2, byte_count = $3 where id = $1;`, s.streams)

	var updateErr, releaseErr error
	if _, err := s.conn.ExecContext(ctx, query, s.streamID, s.seq, s.bytes); err != nil {
		updateErr = s.resourceError("close", err, "failed to mark stream closed")
	}

	if err := s.conn.Close(); err != nil {
		releaseErr = s.resourceError("close", err, "failed to release connection")
	}

	switch {
	case updateErr != nil && releaseErr != nil:
		return &stream.CloseError{Flush: updateErr, Release: releaseErr}
	case updateErr != nil:
		return updateErr
	case releaseErr != nil:
		return releaseErr
	}

	s.logger.Log("event", "stream_closed", "chunks", s.seq, "bytes", s.bytes)

	return nil
}

// resourceError annotates Postgres errors with their SQLSTATE, which is usually the most
// useful part of the message when diagnosing a failed write.
func (s *Sink) resourceError(op string, err error, msg string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		msg = fmt.Sprintf("%s (sqlstate %s)", msg, pgErr.Code)
	}

	return &stream.ResourceError{Sink: s.Name(), Op: op, Err: errors.Wrap(err, msg)}
}

// ReadStream returns the payload of every chunk in the stream, in order.
func ReadStream(ctx context.Context, db *sql.DB, schema string, streamID uuid.UUID) ([]byte, error) {
	query := fmt.Sprintf(`select payload from %s where stream_id = $1 order by seq;`,
		pgx.Identifier{schema, "chunks"}.Sanitize())

	rows, err := db.QueryContext(ctx, query, streamID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query chunks")
	}
	defer rows.Close()

	data := []byte{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.Wrap(err, "failed to scan chunk")
		}

		data = append(data, payload...)
	}

	return data, rows.Err()
}
