package changefeed

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/opsgrid/livetrack/internal/changefeed"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}
