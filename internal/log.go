package internal

import (
	"context"
	"os"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattn/go-isatty"
)

var _logger = log.NewWithOptions(os.Stderr, log.Options{
	ReportTimestamp: true,
})

func init() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		_logger.SetFormatter(log.LogfmtFormatter)
	}
}

// SetLogLevel adjusts the global log level.
func SetLogLevel(level log.Level) {
	_logger.SetLevel(level)
}

// Log returns a logger annotated with the request ID carried by the context,
// if there is one. Background jobs stuff a synthetic ID into the context so
// their output can be correlated the same way.
func Log(ctx context.Context) *log.Logger {
	if id := middleware.GetReqID(ctx); id != "" {
		return _logger.With("requestID", id)
	}
	return _logger
}
