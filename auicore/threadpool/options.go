package threadpool

import (
	"runtime"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

type Option func(*Pool)

// WithWorkers sets the initial number of workers. Defaults to one less than
// the number of CPUs, but at least one.
func WithWorkers(n int) Option {
	return func(p *Pool) {
		p.initialWorkers = n
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// WithMeterProvider sets the provider of the task counters. Defaults to the
// global otel provider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(p *Pool) {
		p.meterProvider = provider
	}
}

// WithErrorHandler registers fn to receive every error and panic of a task.
// fn runs on the worker that ran the task.
func WithErrorHandler(fn func(error)) Option {
	return func(p *Pool) {
		p.onError = fn
	}
}

func defaultWorkers() int {
	return max(runtime.NumCPU()-1, 1)
}
