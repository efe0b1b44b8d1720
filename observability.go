package fanout

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// SlowOperationReporter receives operations that exceeded a latency threshold.
type SlowOperationReporter interface {
	ReportSlow(kind, key string, d time.Duration)
}

// SlowOperationFunc adapts a function to SlowOperationReporter.
type SlowOperationFunc func(kind, key string, d time.Duration)

// ReportSlow implements SlowOperationReporter.
func (f SlowOperationFunc) ReportSlow(kind, key string, d time.Duration) {
	f(kind, key, d)
}

type logSlowReporter struct {
	log     logrus.FieldLogger
	metrics *MetricsCollector
}

// NewLogSlowReporter logs slow operations at warn level and records them on
// metrics when non-nil.
func NewLogSlowReporter(log logrus.FieldLogger, metrics *MetricsCollector) SlowOperationReporter {
	return &logSlowReporter{log: log, metrics: metrics}
}

func (r *logSlowReporter) ReportSlow(kind, key string, d time.Duration) {
	r.metrics.RecordSlowOperation(kind, d)
	if r.log == nil {
		return
	}
	r.log.WithFields(logrus.Fields{
		"kind":        kind,
		"key":         key,
		"duration_ms": d.Milliseconds(),
	}).Warn("slow operation")
}

// NewLogger builds the default logger. An unparsable level falls back to info.
func NewLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetReportCaller(true)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
