// Package factory builds a Backend for a BackendType.
package factory

import (
	"fmt"

	"github.com/harrison/looper/internal/backend"
	"github.com/harrison/looper/internal/backend/protocol"
	"github.com/harrison/looper/internal/backend/script"
	"github.com/harrison/looper/internal/models"
)

// Logger is satisfied by both backend loggers.
type Logger interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// Options carries the settings of every backend kind; only the section
// matching the requested kind is used.
type Options struct {
	Protocol protocol.Config
	Script   script.Config
	Version  string // reported in the protocol handshake
	Logger   Logger // can be nil
}

// New returns the backend for kind.
func New(kind models.BackendType, opts Options) (backend.Backend, error) {
	switch kind {
	case models.BackendProtocol:
		if opts.Protocol.Command == "" {
			return nil, &models.ConfigurationError{
				Component: "backend",
				Message:   "protocol backend requires a server command",
			}
		}
		return protocol.New(opts.Protocol, opts.Version, opts.Logger), nil
	case models.BackendScript:
		return script.New(opts.Script, opts.Logger), nil
	default:
		return nil, &models.ConfigurationError{
			Component: "backend",
			Message:   fmt.Sprintf("unknown backend type %q", kind),
		}
	}
}
