package file

import (
	kitlog "github.com/go-kit/kit/log"
)

// NewWithHandle builds a sink around an already open handle, letting tests substitute
// handles that fail.
func NewWithHandle(logger kitlog.Logger, h handle, syncOnClose bool) *Sink {
	return &Sink{logger: logger, file: h, syncOnClose: syncOnClose}
}
