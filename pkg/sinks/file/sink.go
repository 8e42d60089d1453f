package file

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/alecthomas/kingpin"
	"github.com/lawrencejones/bytesink/pkg/stream"

	kitlog "github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

type Options struct {
	Path     string
	Truncate bool
	Mode     string
	Sync     bool
}

func (opt *Options) Bind(cmd *kingpin.CmdClause, prefix string) *Options {
	cmd.Flag(fmt.Sprintf("%spath", prefix), "File path to write into").Default("/dev/stdout").StringVar(&opt.Path)
	cmd.Flag(fmt.Sprintf("%struncate", prefix), "Truncate the file instead of appending").Default("false").BoolVar(&opt.Truncate)
	cmd.Flag(fmt.Sprintf("%smode", prefix), "Permissions for newly created files, in octal").Default("0644").StringVar(&opt.Mode)
	cmd.Flag(fmt.Sprintf("%ssync", prefix), "Sync the file to disk before closing").Default("true").BoolVar(&opt.Sync)

	return opt
}

// handle is the part of *os.File the sink depends on.
type handle interface {
	io.Writer
	Sync() error
	Close() error
}

// Sink writes every chunk it receives to a file, in order. The standard streams are
// special-cased: they are never closed, as the process may still use them.
type Sink struct {
	logger      kitlog.Logger
	file        handle
	std         bool
	syncOnClose bool
	written     int64
	closed      bool
	sync.Mutex
}

var _ stream.Component = &Sink{}

func New(logger kitlog.Logger, opts Options) (*Sink, error) {
	mode, err := strconv.ParseUint(opts.Mode, 8, 32)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid file mode %q", opts.Mode)
	}

	file, std, err := openFile(opts.Path, opts.Truncate, os.FileMode(mode))
	if err != nil {
		return nil, &stream.ResourceError{Sink: "file", Op: "open", Err: err}
	}

	logger = kitlog.With(logger, "path", opts.Path)
	logger.Log("event", "file_opened", "truncate", opts.Truncate)

	return &Sink{logger: logger, file: file, std: std, syncOnClose: opts.Sync}, nil
}

func openFile(path string, truncate bool, mode os.FileMode) (file *os.File, std bool, err error) {
	switch path {
	case "/dev/stdout":
		return os.Stdout, true, nil
	case "/dev/stderr":
		return os.Stderr, true, nil
	}

	flags := os.O_APPEND | os.O_CREATE | os.O_WRONLY
	if truncate {
		flags = os.O_TRUNC | os.O_CREATE | os.O_WRONLY
	}

	file, err = os.OpenFile(path, flags, mode)
	return file, false, err
}

func (s *Sink) Name() string { return "file" }

// Written returns the number of bytes written to the file.
func (s *Sink) Written() int64 {
	s.Lock()
	defer s.Unlock()

	return s.written
}

func (s *Sink) Write(ctx context.Context, buf []byte) error {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return &stream.ClosedError{Layer: s.Name(), Op: "write"}
	}

	if err := ctx.Err(); err != nil {
		return &stream.ResourceError{Sink: s.Name(), Op: "write", Err: err}
	}

	n, err := s.file.Write(buf)
	s.written += int64(n)
	if err != nil {
		return &stream.ResourceError{Sink: s.Name(), Op: "write", Err: errors.Wrap(err, "failed to write chunk")}
	}

	return nil
}

// Close syncs and releases the file. The file is released even if syncing fails.
func (s *Sink) Close(ctx context.Context) error {
	_, span := trace.StartSpan(ctx, "pkg/sinks/file.Sink.Close")
	defer span.End()

	s.Lock()
	defer s.Unlock()

	if s.closed {
		return &stream.ClosedError{Layer: s.Name(), Op: "close"}
	}

	s.closed = true
	defer s.logger.Log("event", "file_closed", "written", s.written)

	if s.std {
		return nil
	}

	var syncErr, releaseErr error
	if s.syncOnClose {
		if err := s.file.Sync(); err != nil {
			syncErr = &stream.ResourceError{Sink: s.Name(), Op: "close", Err: errors.Wrap(err, "failed to sync file")}
		}
	}

	if err := s.file.Close(); err != nil {
		releaseErr = &stream.ResourceError{Sink: s.Name(), Op: "close", Err: errors.Wrap(err, "failed to close file")}
	}

	switch {
	case syncErr != nil && releaseErr != nil:
		return &stream.CloseError{Flush: syncErr, Release: releaseErr}
	case syncErr != nil:
		return syncErr
	default:
		return releaseErr
	}
}
