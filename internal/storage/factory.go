// Package storage selects the JobStore backend from configuration.
package storage

import (
	"fmt"

	"github.com/FresHHerB/api-gpu-sub002/internal/common"
	"github.com/FresHHerB/api-gpu-sub002/internal/interfaces"
	"github.com/FresHHerB/api-gpu-sub002/internal/storage/memory"
	"github.com/FresHHerB/api-gpu-sub002/internal/storage/surrealdb"
)

// NewJobStore creates a job store based on the configuration.
// Supported kinds: "memory" (default), "durable" (SurrealDB).
func NewJobStore(logger *common.Logger, config *common.Config, clock interfaces.Clock) (interfaces.JobStore, error) {
	maxSlots := config.Orchestrator.GetMaxRemoteSlots()

	switch config.Storage.Kind {
	case "", common.StorageKindMemory:
		return memory.NewStore(logger, clock, maxSlots), nil

	case common.StorageKindDurable:
		return surrealdb.NewJobStore(logger, config, clock, maxSlots)

	default:
		return nil, fmt.Errorf("unknown storage kind: %s (supported: memory, durable)", config.Storage.Kind)
	}
}
