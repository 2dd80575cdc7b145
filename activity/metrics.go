package activity

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	shapeModular = "modular"
	shapeCompat  = "compat"

	outcomeOK      = "ok"
	outcomeError   = "error"
	outcomeWritten = "written"
	outcomeFailed  = "failed"
	outcomeSkipped = "skipped"
)

var (
	interceptedWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activity_intercepted_writes_total",
			Help: "Writes observed by the activity tracker, labeled by call shape, operation and write outcome.",
		},
		[]string{"shape", "op", "outcome"},
	)

	auditRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activity_audit_records_total",
			Help: "Audit records composed for successful writes, labeled by call shape and delivery outcome.",
		},
		[]string{"shape", "outcome"},
	)

	preReadFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "activity_pre_read_failures_total",
			Help: "Best-effort reads of pre-write document state that failed.",
		},
	)
)
