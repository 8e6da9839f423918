package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-intel/internal/model"
	"github.com/yourorg/yield-intel/internal/store"
)

// UnknownProtocol is used for discovery records without a protocol hint.
const UnknownProtocol = "unknown"

// DiscoveredPool is one record of a discovery feed.
type DiscoveredPool struct {
	SourceID         string
	ChainID          int64
	Address          string
	SubKey           string
	ProtocolHint     string
	Name             string
	UnderlyingToken  string
	UnderlyingSymbol string
	Kind             model.PoolKind
	Family           model.Family
	ExternalAPY      float64
	ExternalTVL      float64
}

// PoolID is the composite id the record reconciles against.
func (d DiscoveredPool) PoolID() string {
	return PoolID(d.ChainID, d.Address, d.SubKey)
}

// ReconcileResult counts the lifecycle changes of one reconciliation.
type ReconcileResult struct {
	Created          int
	Updated          int
	Reactivated      int
	Deactivated      int
	ProtocolsCreated int
	Failed           map[string]error
}

// Reconciler merges a discovery feed into the stored pools.
type Reconciler struct {
	store       store.Store
	locks       *PoolLocks
	defaultRisk float64
	now         func() time.Time
}

// NewReconciler creates protocols it has not seen with defaultRisk.
func NewReconciler(st store.Store, locks *PoolLocks, defaultRisk float64) *Reconciler {
	if locks == nil {
		locks = NewPoolLocks()
	}
	return &Reconciler{store: st, locks: locks, defaultRisk: defaultRisk, now: time.Now}
}

// Reconcile updates known pools in place, creates new ones as unknown, reactivates
// rediscovered ones and deactivates pools of the same source missing from found.
func (r *Reconciler) Reconcile(ctx context.Context, source string, found []DiscoveredPool) (ReconcileResult, error) {
	res := ReconcileResult{Failed: make(map[string]error)}
	now := r.now().UTC()

	existing, err := r.store.ListPools(ctx, store.PoolFilter{})
	if err != nil {
		return res, fmt.Errorf("list pools: %w", err)
	}
	known := make(map[string]bool, len(existing))
	for _, p := range existing {
		known[p.ID] = true
	}

	if err := r.ensureProtocols(ctx, found, now, &res); err != nil {
		return res, err
	}

	seen := make(map[string]bool, len(found))
	for _, d := range found {
		id := d.PoolID()
		if seen[id] {
			continue
		}
		seen[id] = true

		change, err := r.upsertDiscovered(ctx, source, d, known[id], now)
		if err != nil {
			res.Failed[id] = err
			continue
		}
		switch change {
		case changeCreated:
			res.Created++
		case changeReactivated:
			res.Reactivated++
			res.Updated++
		default:
			res.Updated++
		}
	}

	for _, p := range existing {
		if seen[p.ID] || p.DiscoveredVia != source || p.State == model.StateInactive {
			continue
		}
		if err := r.deactivate(ctx, p.ID); err != nil {
			res.Failed[p.ID] = err
			continue
		}
		res.Deactivated++
	}

	logrus.WithFields(logrus.Fields{
		"source":      source,
		"created":     res.Created,
		"updated":     res.Updated,
		"reactivated": res.Reactivated,
		"deactivated": res.Deactivated,
		"failed":      len(res.Failed),
	}).Info("Discovery reconciled")
	return res, nil
}

func (r *Reconciler) ensureProtocols(ctx context.Context, found []DiscoveredPool, now time.Time, res *ReconcileResult) error {
	protocols, err := r.store.ListProtocols(ctx)
	if err != nil {
		return fmt.Errorf("list protocols: %w", err)
	}
	have := make(map[string]bool, len(protocols))
	for _, p := range protocols {
		have[p.ID] = true
	}

	batch := NewBatch()
	for _, d := range found {
		id := protocolID(d)
		if have[id] {
			continue
		}
		have[id] = true
		family := d.Family
		if !family.Valid() {
			family = model.FamilyGeneric
		}
		batch.AddProtocol(model.Protocol{
			ID:          id,
			DisplayName: id,
			RiskScore:   r.defaultRisk,
			Family:      family,
			UpdatedAt:   now,
		})
		res.ProtocolsCreated++
	}
	if commit := batch.Commit(ctx, r.store); commit.Err() != nil {
		return fmt.Errorf("create protocols: %w", commit.Err())
	}
	return nil
}

type change int

const (
	changeUpdated change = iota
	changeCreated
	changeReactivated
)

func (r *Reconciler) upsertDiscovered(ctx context.Context, source string, d DiscoveredPool, exists bool, now time.Time) (change, error) {
	id := d.PoolID()
	unlock := r.locks.Lock(id)
	defer unlock()

	batch := NewBatch()
	outcome := changeUpdated

	pool, err := r.store.GetPool(ctx, id)
	switch {
	case err == nil:
		if pool.State == model.StateInactive {
			pool.State = model.StateActive
			outcome = changeReactivated
		}
		pool.ExternalAPY = model.Float(d.ExternalAPY)
		pool.ExternalTVL = model.Float(d.ExternalTVL)
		pool.SourceID = d.SourceID
		if pool.Name == "" {
			pool.Name = d.Name
		}
		if pool.UnderlyingToken == "" {
			pool.UnderlyingToken = strings.ToLower(d.UnderlyingToken)
		}
		if pool.UnderlyingSymbol == "" {
			pool.UnderlyingSymbol = d.UnderlyingSymbol
		}
	case errors.Is(err, store.ErrNotFound):
		if exists {
			return 0, fmt.Errorf("pool %s vanished during reconcile", id)
		}
		pool = newDiscoveredPool(source, d, now)
		outcome = changeCreated
	default:
		return 0, err
	}

	batch.SetPool(pool)
	if commit := batch.Commit(ctx, r.store); commit.Err() != nil {
		return 0, commit.Err()
	}
	return outcome, nil
}

func (r *Reconciler) deactivate(ctx context.Context, id string) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	pool, err := r.store.GetPool(ctx, id)
	if err != nil {
		return err
	}
	pool.State = model.StateInactive

	batch := NewBatch()
	batch.SetPool(pool)
	return batch.Commit(ctx, r.store).Err()
}

func newDiscoveredPool(source string, d DiscoveredPool, now time.Time) model.Pool {
	family := d.Family
	if !family.Valid() {
		family = model.FamilyGeneric
	}
	return model.Pool{
		ID:               d.PoolID(),
		ChainID:          d.ChainID,
		ProtocolID:       protocolID(d),
		Address:          strings.ToLower(d.Address),
		SubKey:           strings.ToLower(d.SubKey),
		Name:             d.Name,
		UnderlyingToken:  strings.ToLower(d.UnderlyingToken),
		UnderlyingSymbol: d.UnderlyingSymbol,
		Kind:             d.Kind,
		Family:           family,
		ExternalAPY:      model.Float(d.ExternalAPY),
		ExternalTVL:      model.Float(d.ExternalTVL),
		State:            model.StateUnknown,
		DiscoveredVia:    source,
		SourceID:         d.SourceID,
		CreatedAt:        now,
	}
}

func protocolID(d DiscoveredPool) string {
	if d.ProtocolHint == "" {
		return UnknownProtocol
	}
	return d.ProtocolHint
}
