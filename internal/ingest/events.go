package ingest

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-intel/internal/apy"
	"github.com/yourorg/yield-intel/internal/model"
	"github.com/yourorg/yield-intel/internal/store"
)

// EventKind names a decoded log.
type EventKind string

const (
	EventReserveDataUpdated EventKind = "ReserveDataUpdated"
	EventDeposit            EventKind = "Deposit"
	EventWithdraw           EventKind = "Withdraw"
)

// ChainEvent is a decoded log. Integer fields are base-10 strings and addresses are hex.
type ChainEvent struct {
	ChainID     int64
	Contract    string
	Kind        EventKind
	Fields      map[string]string
	BlockNumber uint64
	LogIndex    uint
	TxHash      string
	BlockTime   time.Time
}

// ID is the replay-safe identity of the log.
func (e ChainEvent) ID() string {
	return RawEventID(e.ChainID, e.TxHash, e.LogIndex)
}

// PoolID is the pool the event belongs to. Reserve updates are keyed by market and
// reserve, vault events by the vault alone.
func (e ChainEvent) PoolID() string {
	if e.Kind == EventReserveDataUpdated {
		return PoolID(e.ChainID, e.Contract, e.Fields["reserve"])
	}
	return PoolID(e.ChainID, e.Contract, "")
}

func (e ChainEvent) rawEvent() model.RawEvent {
	fields := make(map[string]string, len(e.Fields))
	for k, v := range e.Fields {
		fields[k] = v
	}
	return model.RawEvent{
		ID:          e.ID(),
		ChainID:     e.ChainID,
		PoolID:      e.PoolID(),
		TxHash:      strings.ToLower(e.TxHash),
		LogIndex:    e.LogIndex,
		BlockNumber: e.BlockNumber,
		Timestamp:   e.BlockTime.UTC(),
		Kind:        string(e.Kind),
		Fields:      fields,
	}
}

// PoolFactory builds the pool for an event whose pool is not stored yet. Returning false
// drops the event.
type PoolFactory func(ev ChainEvent) (model.Pool, bool)

// ProcessResult counts what happened to one delivery.
type ProcessResult struct {
	Received   int
	Duplicates int
	Skipped    int
	Applied    int
	Failed     map[string]error
}

// EventProcessor applies chain events exactly once.
type EventProcessor struct {
	store   store.Store
	locks   *PoolLocks
	newPool PoolFactory
}

// NewEventProcessor shares locks with the indexing job so both never write one pool at
// the same time. newPool may be nil.
func NewEventProcessor(st store.Store, locks *PoolLocks, newPool PoolFactory) *EventProcessor {
	if locks == nil {
		locks = NewPoolLocks()
	}
	return &EventProcessor{store: st, locks: locks, newPool: newPool}
}

// Process sorts events by block and log index, drops redeliveries, then applies the
// rest pool by pool.
func (p *EventProcessor) Process(ctx context.Context, events []ChainEvent) (ProcessResult, error) {
	res := ProcessResult{Received: len(events), Failed: make(map[string]error)}
	if len(events) == 0 {
		return res, nil
	}

	sorted := make([]ChainEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].BlockNumber != sorted[j].BlockNumber {
			return sorted[i].BlockNumber < sorted[j].BlockNumber
		}
		return sorted[i].LogIndex < sorted[j].LogIndex
	})

	seen := make(map[string]bool, len(sorted))
	unique := sorted[:0]
	ids := make([]string, 0, len(sorted))
	for _, ev := range sorted {
		id := ev.ID()
		if seen[id] {
			res.Duplicates++
			continue
		}
		seen[id] = true
		unique = append(unique, ev)
		ids = append(ids, id)
	}

	stored, err := p.store.RawEventsExist(ctx, ids)
	if err != nil {
		return res, err
	}

	byPool := make(map[string][]ChainEvent)
	var order []string
	for _, ev := range unique {
		if stored[ev.ID()] {
			res.Duplicates++
			continue
		}
		pid := ev.PoolID()
		if _, ok := byPool[pid]; !ok {
			order = append(order, pid)
		}
		byPool[pid] = append(byPool[pid], ev)
	}

	for _, pid := range order {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		applied, skipped, err := p.processPool(ctx, pid, byPool[pid])
		res.Applied += applied
		res.Skipped += skipped
		if err != nil {
			res.Failed[pid] = err
		}
	}
	return res, nil
}

func (p *EventProcessor) processPool(ctx context.Context, poolID string, events []ChainEvent) (applied, skipped int, err error) {
	unlock := p.locks.Lock(poolID)
	defer unlock()

	pool, err := p.store.GetPool(ctx, poolID)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		if p.newPool == nil {
			return 0, len(events), nil
		}
		created, ok := p.newPool(events[0])
		if !ok {
			return 0, len(events), nil
		}
		pool = created
	default:
		return 0, 0, err
	}

	batch := NewBatch()
	for _, ev := range events {
		raw := ev.rawEvent()
		switch ev.Kind {
		case EventReserveDataUpdated:
			applyReserveUpdate(&pool, ev, batch)
		case EventDeposit, EventWithdraw:
			if pps := applyVaultFlow(&pool, ev, batch); pps != nil {
				raw.Fields["pricePerShare"] = pps.String()
			}
		default:
			skipped++
			continue
		}
		batch.AddRawEvent(raw)
		applied++
	}
	if pool.State != model.StateActive && applied > 0 {
		pool.State = model.StateActive
	}
	batch.SetPool(pool)

	if res := batch.Commit(ctx, p.store); res.Err() != nil {
		return 0, skipped, res.Err()
	}
	logrus.WithFields(logrus.Fields{
		"pool":   poolID,
		"events": applied,
	}).Debug("Applied chain events")
	return applied, skipped, nil
}

// applyReserveUpdate records the supply rate carried by the log. The pool's current
// values only move forward in time.
func applyReserveUpdate(pool *model.Pool, ev ChainEvent, batch *Batch) {
	raw := apy.ParsePrice(ev.Fields["liquidityRate"])
	if raw == nil {
		raw = new(big.Int)
	}
	value := apy.FromIndexRate(raw)
	at := ev.BlockTime.UTC()

	batch.AddSnapshot(model.YieldSnapshot{
		ID:          BlockSnapshotID(pool.ID, ev.BlockNumber),
		PoolID:      pool.ID,
		Timestamp:   at,
		BlockNumber: ev.BlockNumber,
		APY:         value,
		TVL:         pool.CurrentTVL,
		RawRate:     raw.String(),
	})
	if !at.Before(pool.LastUpdatedAt) {
		pool.CurrentAPY = value
		pool.LastUpdatedAt = at
	}
}

// applyVaultFlow prices one share from the deposited or withdrawn amounts. A new price
// sample is only taken once the previous one is old enough to derive an APY from.
func applyVaultFlow(pool *model.Pool, ev ChainEvent, batch *Batch) *big.Int {
	pps := PricePerShare(ev.Fields["assets"], ev.Fields["shares"])
	if pps == nil {
		return nil
	}

	at := ev.BlockTime.UTC()
	if at.Before(pool.LastPPSAt) {
		return pps
	}

	prev := apy.ParsePrice(pool.LastPricePerShare)
	res := apy.Derive(apy.Input{
		Kind:          model.RateKindSharePrice,
		Raw:           pps,
		PreviousPrice: prev,
		PreviousAt:    pool.LastPPSAt,
		Now:           at,
		Options:       apy.DefaultOptions(),
	})
	if res.NextPrice != nil {
		pool.LastPricePerShare = res.NextPrice.String()
		pool.LastPPSAt = at
	}
	if res.Derived {
		batch.AddSnapshot(model.YieldSnapshot{
			ID:          BlockSnapshotID(pool.ID, ev.BlockNumber),
			PoolID:      pool.ID,
			Timestamp:   at,
			BlockNumber: ev.BlockNumber,
			APY:         res.APY,
			TVL:         pool.CurrentTVL,
			RawRate:     pps.String(),
		})
		if !at.Before(pool.LastUpdatedAt) {
			pool.CurrentAPY = res.APY
			pool.LastUpdatedAt = at
		}
	}
	return pps
}

var wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// PricePerShare returns assets * 1e18 / shares, or nil when shares is zero or either
// amount is malformed.
func PricePerShare(assets, shares string) *big.Int {
	a, ok := new(big.Int).SetString(assets, 10)
	if !ok {
		return nil
	}
	s, ok := new(big.Int).SetString(shares, 10)
	if !ok || s.Sign() <= 0 || a.Sign() < 0 {
		return nil
	}
	out := new(big.Int).Mul(a, wad)
	return out.Quo(out, s)
}
