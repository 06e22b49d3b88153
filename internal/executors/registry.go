// Package executors runs local-class operations. The registry maps base
// operation names to handlers; the default handlers shell out to ffmpeg and
// whisper on the host.
package executors

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/FresHHerB/api-gpu-sub002/internal/common"
	"github.com/FresHHerB/api-gpu-sub002/internal/interfaces"
	"github.com/FresHHerB/api-gpu-sub002/internal/models"
)

// Handler executes one operation. The payload and result are the same opaque
// JSON documents the remote endpoint works with.
type Handler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Registry dispatches local jobs to registered handlers by base operation
// name, so "caption_local" and "caption" share one handler.
type Registry struct {
	logger   *common.Logger
	handlers map[models.Operation]Handler
}

var _ interfaces.LocalExecutor = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry(logger *common.Logger) *Registry {
	return &Registry{
		logger:   logger,
		handlers: make(map[models.Operation]Handler),
	}
}

// Register binds a handler to a base operation name.
func (r *Registry) Register(op models.Operation, h Handler) {
	r.handlers[op.Base()] = h
}

// Run executes the handler for the operation. Returns an error for unknown
// operations and respects context cancellation.
func (r *Registry) Run(ctx context.Context, op models.Operation, payload json.RawMessage) (json.RawMessage, error) {
	h, ok := r.handlers[op.Base()]
	if !ok {
		return nil, fmt.Errorf("no local handler for operation %q", op.Base())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.logger.Debug().Str("operation", string(op.Base())).Msg("Running local handler")
	return h(ctx, payload)
}
