package threadpool

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/aui-framework/aui-go/auicore/threadpool"

type poolMetrics struct {
	executed  metric.Int64Counter
	retried   metric.Int64Counter
	failed    metric.Int64Counter
	abandoned metric.Int64Counter
}

func newPoolMetrics(provider metric.MeterProvider) (poolMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	var (
		m   poolMetrics
		err error
	)
	counters := []struct {
		target      *metric.Int64Counter
		name        string
		description string
	}{
		{&m.executed, "threadpool.tasks.executed", "Number of tasks that completed without error"},
		{&m.retried, "threadpool.tasks.retried", "Number of tasks parked with ErrTryLater"},
		{&m.failed, "threadpool.tasks.failed", "Number of tasks that returned an error or panicked"},
		{&m.abandoned, "threadpool.tasks.abandoned", "Number of tasks abandoned after cancellation"},
	}
	for _, c := range counters {
		*c.target, err = meter.Int64Counter(c.name,
			metric.WithDescription(c.description),
			metric.WithUnit("{task}"),
		)
		if err != nil {
			return poolMetrics{}, errors.Wrapf(err, "create %s counter", c.name)
		}
	}
	return m, nil
}

func add(counter metric.Int64Counter, priority Priority) {
	counter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("priority", priority.String())))
}
