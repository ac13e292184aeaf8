// Package metrics records settlement and distribution measurements to
// InfluxDB for operational dashboards. The recorder is nil-safe: without
// an Influx endpoint configured every call is a no-op, so the engines do
// not depend on the metrics pipeline being up.
package metrics

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// Recorder writes measurement points through the non-blocking write API.
type Recorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// Config holds InfluxDB connection settings.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewRecorder connects to InfluxDB. Write errors are handled by the
// client's background batching; losing a metrics point never fails a
// financial operation.
func NewRecorder(cfg Config) *Recorder {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Recorder{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
	}
}

// RecordSettlement emits one point per exchange attempt.
func (r *Recorder) RecordSettlement(fromCurrency, toCurrency, status, mode string, elapsed time.Duration) {
	if r == nil {
		return
	}
	p := influxdb2.NewPoint("settlement",
		map[string]string{
			"from":   fromCurrency,
			"to":     toCurrency,
			"status": status,
			"mode":   mode,
		},
		map[string]interface{}{
			"duration_ms": elapsed.Milliseconds(),
		},
		time.Now(),
	)
	r.writeAPI.WritePoint(p)
}

// RecordDistribution emits one point per distribution run.
func (r *Recorder) RecordDistribution(distributionID string, usersProcessed, errorCount int, totalDistributed float64, elapsed time.Duration) {
	if r == nil {
		return
	}
	p := influxdb2.NewPoint("distribution",
		map[string]string{
			"distribution_id": distributionID,
		},
		map[string]interface{}{
			"users_processed":   usersProcessed,
			"error_count":       errorCount,
			"total_distributed": totalDistributed,
			"duration_ms":       elapsed.Milliseconds(),
		},
		time.Now(),
	)
	r.writeAPI.WritePoint(p)
}

// RecordIntegrityCheck emits one point per ledger verification.
func (r *Recorder) RecordIntegrityCheck(valid bool, totalChecked int, elapsed time.Duration) {
	if r == nil {
		return
	}
	p := influxdb2.NewPoint("ledger_integrity",
		map[string]string{},
		map[string]interface{}{
			"valid":         valid,
			"total_checked": totalChecked,
			"duration_ms":   elapsed.Milliseconds(),
		},
		time.Now(),
	)
	r.writeAPI.WritePoint(p)
}

// Close flushes pending points and shuts the client down.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.writeAPI.Flush()
	r.client.Close()
}
