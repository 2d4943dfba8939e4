package library

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds the circulation instruments. Inventory gauges are read from
// the store on every collection.
type metrics struct {
	borrows metric.Int64Counter
	returns metric.Int64Counter
	reg     metric.Registration
}

func newMetrics(meter metric.Meter, stats func(context.Context) (Stats, error)) (*metrics, error) {
	m := &metrics{}
	var err error
	if m.borrows, err = meter.Int64Counter("library_borrows_total",
		metric.WithDescription("Borrow requests by outcome")); err != nil {
		return nil, fmt.Errorf("borrow counter: %w", err)
	}
	if m.returns, err = meter.Int64Counter("library_returns_total",
		metric.WithDescription("Return requests by outcome")); err != nil {
		return nil, fmt.Errorf("return counter: %w", err)
	}

	gauges := []struct {
		name, desc string
		read       func(Stats) int64
	}{
		{"books_total", "Total number of books in the library", func(s Stats) int64 { return s.Books }},
		{"book_copies_available", "Number of available book copies", func(s Stats) int64 { return s.CopiesAvailable }},
		{"book_copies_borrowed", "Number of borrowed book copies", func(s Stats) int64 { return s.CopiesBorrowed }},
		{"users_total", "Total number of users", func(s Stats) int64 { return s.Users }},
		{"active_borrows", "Number of active borrow transactions", func(s Stats) int64 { return s.ActiveLoans }},
	}
	observables := make([]metric.Observable, 0, len(gauges))
	instruments := make([]metric.Int64ObservableGauge, 0, len(gauges))
	for _, g := range gauges {
		inst, err := meter.Int64ObservableGauge(g.name, metric.WithDescription(g.desc))
		if err != nil {
			return nil, fmt.Errorf("gauge %s: %w", g.name, err)
		}
		instruments = append(instruments, inst)
		observables = append(observables, inst)
	}

	m.reg, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		s, err := stats(ctx)
		if err != nil {
			return err
		}
		for i, g := range gauges {
			o.ObserveInt64(instruments[i], g.read(s))
		}
		return nil
	}, observables...)
	if err != nil {
		return nil, fmt.Errorf("register gauges: %w", err)
	}
	return m, nil
}

func (m *metrics) recordBorrow(ctx context.Context, err error) {
	m.borrows.Add(ctx, 1, metric.WithAttributes(outcome(err)))
}

func (m *metrics) recordReturn(ctx context.Context, err error) {
	m.returns.Add(ctx, 1, metric.WithAttributes(outcome(err)))
}

func (m *metrics) close() error {
	if m.reg == nil {
		return nil
	}
	return m.reg.Unregister()
}

func outcome(err error) attribute.KeyValue {
	if err == nil {
		return attribute.String("outcome", "success")
	}
	code := CodeOf(err)
	if code == "" {
		code = CodeOperation
	}
	return attribute.String("outcome", string(code))
}
