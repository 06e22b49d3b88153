package interfaces

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jonboulle/clockwork"

	"github.com/FresHHerB/api-gpu-sub002/internal/models"
)

// ErrRemoteNotFound is returned by RemoteEndpoint.Status when the endpoint
// does not know the remote job id (HTTP 404). The dispatcher treats it as
// transient within the initial grace period and terminal afterwards.
var ErrRemoteNotFound = errors.New("remote job not found")

// RemoteState is the lifecycle state reported by the remote GPU endpoint.
type RemoteState string

const (
	RemoteInQueue    RemoteState = "IN_QUEUE"
	RemoteInProgress RemoteState = "IN_PROGRESS"
	RemoteCompleted  RemoteState = "COMPLETED"
	RemoteFailed     RemoteState = "FAILED"
	RemoteCancelled  RemoteState = "CANCELLED"
	RemoteTimedOut   RemoteState = "TIMED_OUT"
)

// IsTerminal reports whether the remote state admits no further polling.
func (s RemoteState) IsTerminal() bool {
	switch s {
	case RemoteCompleted, RemoteFailed, RemoteCancelled, RemoteTimedOut:
		return true
	}
	return false
}

// RemoteStatus is one poll result from the remote endpoint.
type RemoteStatus struct {
	State       RemoteState
	Output      json.RawMessage
	Error       string
	ExecutionMs int64
}

// RemoteEndpoint is the serverless GPU endpoint capability: submit a payload,
// poll its status, cancel it, and health-check the endpoint.
type RemoteEndpoint interface {
	Submit(ctx context.Context, payload json.RawMessage) (string, error)
	Status(ctx context.Context, remoteJobID string) (*RemoteStatus, error)
	Cancel(ctx context.Context, remoteJobID string) error
	Health(ctx context.Context) bool
}

// LocalExecutor runs local-class operations. Cancellation is signalled
// through ctx; an executor that ignores it still has its job marked
// CANCELLED in the store.
type LocalExecutor interface {
	Run(ctx context.Context, op models.Operation, payload json.RawMessage) (json.RawMessage, error)
}

// WebhookTransport posts a webhook body and reports the response status.
type WebhookTransport interface {
	Post(ctx context.Context, url string, headers map[string]string, body []byte) (int, []byte, error)
}

// Clock abstracts time for deterministic tests. clockwork provides both the
// real implementation and a fake with manual advancement.
type Clock = clockwork.Clock
