// Package orchestrator runs the job lifecycle: the remote dispatcher that
// submits and polls GPU endpoint jobs under the slot cap, the local executor
// pool, webhook delivery, and the supervisor that recovers, times out, and
// prunes jobs.
package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/FresHHerB/api-gpu-sub002/internal/common"
	"github.com/FresHHerB/api-gpu-sub002/internal/interfaces"
)

// Orchestrator owns the background loops. The HTTP layer talks to it through
// the Service facade; everything else is driven by the supervisor tick.
type Orchestrator struct {
	store    interfaces.JobStore
	endpoint interfaces.RemoteEndpoint
	executor interfaces.LocalExecutor
	logger   *common.Logger
	config   *common.Config
	clock    interfaces.Clock

	deliverer *Deliverer
	metrics   *Metrics
	validator *URLValidator

	localSem     chan struct{}
	localMu      sync.Mutex
	localCancels map[string]context.CancelFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the orchestrator. Metrics are registered on reg; pass a fresh
// registry in tests to avoid duplicate registration.
func New(
	store interfaces.JobStore,
	endpoint interfaces.RemoteEndpoint,
	executor interfaces.LocalExecutor,
	transport interfaces.WebhookTransport,
	logger *common.Logger,
	config *common.Config,
	clock interfaces.Clock,
	reg prometheus.Registerer,
) *Orchestrator {
	metrics := NewMetrics(reg)
	validator := NewURLValidator()

	o := &Orchestrator{
		store:        store,
		endpoint:     endpoint,
		executor:     executor,
		logger:       logger,
		config:       config,
		clock:        clock,
		metrics:      metrics,
		validator:    validator,
		localSem:     make(chan struct{}, config.Orchestrator.GetMaxLocalJobs()),
		localCancels: make(map[string]context.CancelFunc),
	}
	o.deliverer = NewDeliverer(store, transport, validator, logger, config, clock, metrics)
	return o
}

// safeGo launches a goroutine with panic recovery and logging.
func (o *Orchestrator) safeGo(name string, fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Recovered from panic in orchestrator goroutine")
			}
		}()
		fn()
	}()
}

// Start recovers stranded jobs, then launches the webhook workers and the
// supervisor loop. Safe to call multiple times.
func (o *Orchestrator) Start() {
	if o.cancel != nil {
		o.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel

	o.deliverer.Start(ctx, o.safeGo)
	o.recover(ctx)
	o.safeGo("supervisor", func() { o.superviseLoop(ctx) })

	o.logger.Info().
		Int("max_remote_slots", o.config.Orchestrator.GetMaxRemoteSlots()).
		Int("max_local_jobs", o.config.Orchestrator.GetMaxLocalJobs()).
		Str("tick_interval", o.config.Orchestrator.GetTickInterval().String()).
		Msg("Orchestrator started")
}

// Stop cancels all loops and waits for completion.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.wg.Wait()
	o.logger.Info().Msg("Orchestrator stopped")
}

// registerLocalCancel records the cancel func for a running local job.
func (o *Orchestrator) registerLocalCancel(jobID string, cancel context.CancelFunc) {
	o.localMu.Lock()
	defer o.localMu.Unlock()
	o.localCancels[jobID] = cancel
}

// unregisterLocalCancel removes the cancel func once the job settles.
func (o *Orchestrator) unregisterLocalCancel(jobID string) {
	o.localMu.Lock()
	defer o.localMu.Unlock()
	delete(o.localCancels, jobID)
}

// cancelLocal interrupts a running local job, if any.
func (o *Orchestrator) cancelLocal(jobID string) {
	o.localMu.Lock()
	cancel := o.localCancels[jobID]
	o.localMu.Unlock()
	if cancel != nil {
		cancel()
	}
}
