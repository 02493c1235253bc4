package api

import (
	"time"

	"github.com/g960059/drillgrid/internal/dispatch"
)

type HealthResponse struct {
	SchemaVersion  string                `json:"schema_version"`
	GeneratedAt    time.Time             `json:"generated_at"`
	Status         string                `json:"status"`
	Dispatch       *dispatch.HealthState `json:"dispatch,omitempty"`
	ActiveSessions int                   `json:"active_sessions"`
	TaskRevision   int64                 `json:"task_revision"`
}
