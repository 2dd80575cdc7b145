package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeFailed  = "failed"
	outcomeDropped = "dropped"
	outcomeSkipped = "skipped"
)

var recordsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "activity_audit_deliveries_total",
		Help: "Audit records handed to a delivery backend, labeled by backend and outcome.",
	},
	[]string{"backend", "outcome"},
)
