package inbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricInsertedRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intake_inbox_inserted_rows_total",
		Help: "Inbox rows inserted from the source table",
	})

	metricRejectedPayloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intake_inbox_rejected_payloads_total",
		Help: "Source rows left behind the watermark by the payload shape filter",
	})

	metricClaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intake_inbox_claims_total",
		Help: "Claim attempts by result",
	}, []string{"result"}) // claimed, empty

	metricTerminalWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intake_inbox_terminal_writes_total",
		Help: "Terminal status writes by resulting status",
	}, []string{"status"}) // DONE, FAILED, DEAD

	metricStatusWriteRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intake_inbox_status_write_retries_total",
		Help: "Status writer attempts beyond the first",
	})

	metricReclaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intake_inbox_reclaims_total",
		Help: "Reclaimer actions by kind",
	}, []string{"action"}) // reset, dead

	metricStaleRows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "intake_inbox_stale_rows",
		Help: "PROCESSING rows with locks older than the stale threshold, last sweep",
	})
)
