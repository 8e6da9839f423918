package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yourorg/yield-intel/internal/model"
	"github.com/yourorg/yield-intel/internal/otel"
)

// DefaultCallTimeout bounds one adapter read, all of its calls included.
const DefaultCallTimeout = 10 * time.Second

// Dispatcher routes a Target to the adapter for its family.
type Dispatcher struct {
	caller   Caller
	adapters map[model.Family]Adapter
	fallback Adapter
	timeout  time.Duration

	// OnDegraded is called for every neutral or fallback reading
	OnDegraded func(family model.Family)
}

// NewDispatcher registers the default adapters.
func NewDispatcher(caller Caller, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	d := &Dispatcher{
		caller:   caller,
		adapters: make(map[model.Family]Adapter),
		fallback: genericAdapter{},
		timeout:  timeout,
	}
	for _, a := range DefaultAdapters() {
		d.Register(a)
	}
	return d
}

// Register replaces the adapter for a.Family().
func (d *Dispatcher) Register(a Adapter) {
	d.adapters[a.Family()] = a
}

// Read never fails. A failing adapter degrades to the generic supply read, and a failing
// supply read degrades to the neutral reading.
func (d *Dispatcher) Read(ctx context.Context, t Target) Reading {
	ctx, span := otel.Tracer().Start(ctx, "fetch.read")
	defer span.End()
	span.SetAttributes(
		attribute.String("family", string(t.Family)),
		attribute.String("address", t.Address.Hex()),
	)

	adapter, ok := d.adapters[t.Family]
	if !ok {
		adapter = d.fallback
	}

	r, err := d.readWithTimeout(ctx, adapter, t)
	if err == nil {
		r.Family = adapter.Family()
		if r.Degraded && d.OnDegraded != nil {
			d.OnDegraded(t.Family)
		}
		return r
	}

	otel.RecordError(ctx, err)
	log := logrus.WithFields(logrus.Fields{
		"family":  t.Family,
		"address": t.Address.Hex(),
	})
	log.WithError(err).Warn("Adapter read failed, falling back to supply read")

	degraded := Reading{
		Family:   t.Family,
		Kind:     t.Family.RateKind(),
		Degraded: true,
		Reason:   err.Error(),
	}
	if adapter != d.fallback {
		if g, gerr := d.readWithTimeout(ctx, d.fallback, t); gerr == nil {
			degraded.TVL = g.TVL
		} else {
			log.WithError(gerr).Debug("Supply fallback failed")
		}
	}

	if d.OnDegraded != nil {
		d.OnDegraded(t.Family)
	}
	return degraded
}

func (d *Dispatcher) readWithTimeout(ctx context.Context, a Adapter, t Target) (r Reading, err error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s adapter panic: %v", a.Family(), p)
		}
	}()
	return a.Read(ctx, d.caller, t)
}
