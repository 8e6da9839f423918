package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/yield-intel/internal/model"
	"github.com/yourorg/yield-intel/internal/store"
	"github.com/yourorg/yield-intel/internal/store/memory"
)

const (
	arbitrum = int64(42161)
	market   = "0x794a61358D6845594F94dc1DB02A252b5b4814aD"
	usdc     = "0xaf88d065e77c8cC2239327C5EDb3A432268e5831"
	vault    = "0x1111111111111111111111111111111111111111"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestIDs(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"pool lower-cases", PoolID(arbitrum, "0xABCdef", ""), "42161:0xabcdef"},
		{"pool with sub key", PoolID(arbitrum, market, usdc), "42161:0x794a61358d6845594f94dc1db02a252b5b4814ad:0xaf88d065e77c8cc2239327c5edb3a432268e5831"},
		{"pool trims", PoolID(1, " 0xAB ", " "), "1:0xab"},
		{"polled snapshot", PolledSnapshotID("1:0xab", t0), "1:0xab:1717243200"},
		{"block snapshot", BlockSnapshotID("1:0xab", 123), "1:0xab:b123"},
		{"raw event", RawEventID(1, "0xDEAD", 7), "1:0xdead:7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}

	assert.Equal(t, PoolID(arbitrum, market, usdc), PoolID(arbitrum, "0x794A61358D6845594F94DC1DB02A252B5B4814AD", "0xAF88D065E77C8CC2239327C5EDB3A432268E5831"),
		"two observations of the same contract must share an id")
}

func TestCycleBoundary(t *testing.T) {
	at := t0.Add(42*time.Minute + 13*time.Second)
	assert.Equal(t, t0, CycleBoundary(at, time.Hour))
	assert.Equal(t, PolledSnapshotID("p", CycleBoundary(at, time.Hour)), PolledSnapshotID("p", CycleBoundary(t0.Add(59*time.Minute), time.Hour)))
	assert.Equal(t, at, CycleBoundary(at, 0))
}

func TestBatch_CommitAll(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	b := NewBatch()
	b.AddProtocol(model.Protocol{ID: "aave_v3", RiskScore: 0})
	b.SetPool(model.Pool{ID: "p1", State: model.StateActive})
	b.AddSnapshot(model.YieldSnapshot{ID: "p1:1", PoolID: "p1", APY: 3})
	b.SetPool(model.Pool{ID: "p2", State: model.StateActive})
	b.SetMetrics(model.PoolMetrics{PoolID: "p2", SampleCount: 1})
	assert.Equal(t, 2, b.Len())

	res := b.Commit(ctx, st)
	require.NoError(t, res.Err())
	assert.Equal(t, []string{"p1", "p2"}, res.Committed)

	_, err := st.GetProtocol(ctx, "aave_v3")
	assert.NoError(t, err)
	snaps, err := st.SnapshotsSince(ctx, "p1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
}

func TestBatch_IsolatesFailingPool(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	errDisk := errors.New("disk full")
	st.FailApplyWhen(func(w store.Writes) error {
		for _, p := range w.Pools {
			if p.ID == "bad" {
				return errDisk
			}
		}
		return nil
	})

	b := NewBatch()
	for _, id := range []string{"good", "bad", "other"} {
		b.SetPool(model.Pool{ID: id})
		b.AddSnapshot(model.YieldSnapshot{ID: id + ":1", PoolID: id})
	}

	res := b.Commit(ctx, st)
	assert.ElementsMatch(t, []string{"good", "other"}, res.Committed)
	require.Contains(t, res.Failed, "bad")
	assert.ErrorIs(t, res.Err(), errDisk)

	_, err := st.GetPool(ctx, "good")
	assert.NoError(t, err)
	_, err = st.GetPool(ctx, "bad")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBatch_EmptyCommit(t *testing.T) {
	res := NewBatch().Commit(context.Background(), memory.New())
	assert.NoError(t, res.Err())
	assert.Empty(t, res.Committed)
}

func TestPoolLocks_SerializeSamePool(t *testing.T) {
	locks := NewPoolLocks()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("p1")
			defer unlock()

			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)

	// distinct pools do not block each other
	unlockA := locks.Lock("a")
	unlockB := locks.Lock("b")
	unlockB()
	unlockA()
}

func reserveEvent(block uint64, logIndex uint, at time.Time, rate string) ChainEvent {
	return ChainEvent{
		ChainID:     arbitrum,
		Contract:    market,
		Kind:        EventReserveDataUpdated,
		Fields:      map[string]string{"reserve": usdc, "liquidityRate": rate},
		BlockNumber: block,
		LogIndex:    logIndex,
		TxHash:      "0xAA" + string(rune('0'+logIndex)),
		BlockTime:   at,
	}
}

func marketPoolFactory(ev ChainEvent) (model.Pool, bool) {
	if ev.Kind != EventReserveDataUpdated {
		return model.Pool{}, false
	}
	return model.Pool{
		ID:              ev.PoolID(),
		ChainID:         ev.ChainID,
		ProtocolID:      "aave_v3",
		Address:         market,
		SubKey:          ev.Fields["reserve"],
		Kind:            model.PoolKindLending,
		Family:          model.FamilyAaveV3,
		State:           model.StateActive,
		DiscoveredVia:   "chain",
		UnderlyingToken: ev.Fields["reserve"],
	}, true
}

func TestEventProcessor_ReserveUpdatesAreIdempotent(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	p := NewEventProcessor(st, nil, marketPoolFactory)

	// 5% in RAY
	events := []ChainEvent{reserveEvent(100, 3, t0, "50000000000000000000000000")}

	res, err := p.Process(ctx, events)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)

	poolID := PoolID(arbitrum, market, usdc)
	pool, err := st.GetPool(ctx, poolID)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, pool.CurrentAPY, 1e-9)
	assert.Equal(t, model.StateActive, pool.State)
	assert.Equal(t, t0, pool.LastUpdatedAt)

	snaps, err := st.SnapshotsSince(ctx, poolID, time.Time{})
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, BlockSnapshotID(poolID, 100), snaps[0].ID)
	assert.Equal(t, "50000000000000000000000000", snaps[0].RawRate)

	// redelivery is a no-op
	res, err = p.Process(ctx, events)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Applied)
	assert.Equal(t, 1, res.Duplicates)

	snaps, err = st.SnapshotsSince(ctx, poolID, time.Time{})
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
}

func TestEventProcessor_OrdersAndDedupesDelivery(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	p := NewEventProcessor(st, NewPoolLocks(), marketPoolFactory)

	later := reserveEvent(101, 0, t0.Add(12*time.Second), "40000000000000000000000000")
	earlier := reserveEvent(100, 5, t0, "50000000000000000000000000")

	res, err := p.Process(ctx, []ChainEvent{later, earlier, later})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Received)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 2, res.Applied)

	pool, err := st.GetPool(ctx, PoolID(arbitrum, market, usdc))
	require.NoError(t, err)
	assert.InDelta(t, 4.0, pool.CurrentAPY, 1e-9, "latest block wins")
	assert.Equal(t, t0.Add(12*time.Second), pool.LastUpdatedAt)

	// an older event delivered afterwards never rewinds pool state
	stale := reserveEvent(99, 1, t0.Add(-time.Minute), "90000000000000000000000000")
	_, err = p.Process(ctx, []ChainEvent{stale})
	require.NoError(t, err)
	pool, err = st.GetPool(ctx, PoolID(arbitrum, market, usdc))
	require.NoError(t, err)
	assert.InDelta(t, 4.0, pool.CurrentAPY, 1e-9)
}

func vaultEvent(kind EventKind, logIndex uint, at time.Time, assets, shares string) ChainEvent {
	return ChainEvent{
		ChainID:     arbitrum,
		Contract:    vault,
		Kind:        kind,
		Fields:      map[string]string{"assets": assets, "shares": shares},
		BlockNumber: uint64(1000 + logIndex),
		LogIndex:    logIndex,
		TxHash:      "0xbb",
		BlockTime:   at,
	}
}

func TestEventProcessor_VaultFlowsDerivePricePerShare(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	poolID := PoolID(arbitrum, vault, "")
	require.NoError(t, st.UpsertPools(ctx, []model.Pool{{
		ID:     poolID,
		Kind:   model.PoolKindVault,
		Family: model.FamilyERC4626,
		State:  model.StateUnknown,
	}}))
	p := NewEventProcessor(st, nil, nil)

	res, err := p.Process(ctx, []ChainEvent{
		vaultEvent(EventDeposit, 0, t0, "1000000", "1000000"),
		vaultEvent(EventDeposit, 1, t0.Add(30*time.Minute), "1000100", "1000000"),
		vaultEvent(EventWithdraw, 2, t0.Add(2*time.Hour), "1000001", "1000000"),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Applied)

	pool, err := st.GetPool(ctx, poolID)
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, pool.State)
	assert.Equal(t, "1000001000000000000", pool.LastPricePerShare)
	assert.Equal(t, t0.Add(2*time.Hour), pool.LastPPSAt)
	assert.InDelta(t, 0.43896, pool.CurrentAPY, 1e-3)

	snaps, err := st.SnapshotsSince(ctx, poolID, time.Time{})
	require.NoError(t, err)
	require.Len(t, snaps, 1, "only the sample spanning a full hour yields an APY")
	assert.Equal(t, uint64(1002), snaps[0].BlockNumber)
}

func TestEventProcessor_UnknownVaultIsSkipped(t *testing.T) {
	st := memory.New()
	p := NewEventProcessor(st, nil, nil)

	res, err := p.Process(context.Background(), []ChainEvent{vaultEvent(EventDeposit, 0, t0, "1", "1")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, res.Applied)

	exists, err := st.RawEventsExist(context.Background(), []string{RawEventID(arbitrum, "0xbb", 0)})
	require.NoError(t, err)
	assert.False(t, exists[RawEventID(arbitrum, "0xbb", 0)])
}

func TestPricePerShare(t *testing.T) {
	assert.Equal(t, "1500000000000000000", PricePerShare("3", "2").String())
	assert.Nil(t, PricePerShare("3", "0"))
	assert.Nil(t, PricePerShare("x", "2"))
	assert.Nil(t, PricePerShare("-1", "2"))
}

func newTestReconciler(st store.Store) *Reconciler {
	r := NewReconciler(st, nil, 0.10)
	r.now = func() time.Time { return t0 }
	return r
}

func discovered(addr, protocol string, apy float64) DiscoveredPool {
	return DiscoveredPool{
		SourceID:         "llama-" + addr,
		ChainID:          arbitrum,
		Address:          addr,
		ProtocolHint:     protocol,
		Name:             protocol + " USDC",
		UnderlyingToken:  usdc,
		UnderlyingSymbol: "USDC",
		Kind:             model.PoolKindVault,
		Family:           model.FamilyERC4626,
		ExternalAPY:      apy,
		ExternalTVL:      1e6,
	}
}

func TestReconciler_Lifecycle(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.UpsertProtocols(ctx, []model.Protocol{{ID: "morpho", RiskScore: 0.05, Family: model.FamilyERC4626}}))
	r := newTestReconciler(st)

	a := discovered("0xAAAA", "morpho", 5)
	b := discovered("0xBBBB", "newproto", 7)

	res, err := r.Reconcile(ctx, "defillama", []DiscoveredPool{a, b, a})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 1, res.ProtocolsCreated)

	pa, err := st.GetPool(ctx, a.PoolID())
	require.NoError(t, err)
	assert.Equal(t, model.StateUnknown, pa.State)
	assert.Equal(t, "0xaaaa", pa.Address)
	assert.Equal(t, "defillama", pa.DiscoveredVia)
	require.NotNil(t, pa.ExternalAPY)
	assert.Equal(t, 5.0, *pa.ExternalAPY)

	proto, err := st.GetProtocol(ctx, "newproto")
	require.NoError(t, err)
	assert.Equal(t, 0.10, proto.RiskScore)

	// pool promoted by an indexing cycle keeps its state on update
	pa.State = model.StateActive
	pa.CurrentAPY = 4.2
	require.NoError(t, st.UpsertPools(ctx, []model.Pool{pa}))

	a.ExternalAPY = 6
	res, err = r.Reconcile(ctx, "defillama", []DiscoveredPool{a})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Deactivated)

	pa, err = st.GetPool(ctx, a.PoolID())
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, pa.State)
	assert.Equal(t, 4.2, pa.CurrentAPY)
	assert.Equal(t, 6.0, *pa.ExternalAPY)

	pb, err := st.GetPool(ctx, b.PoolID())
	require.NoError(t, err)
	assert.Equal(t, model.StateInactive, pb.State)

	// rediscovered
	res, err = r.Reconcile(ctx, "defillama", []DiscoveredPool{a, b})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reactivated)
	pb, err = st.GetPool(ctx, b.PoolID())
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, pb.State)
}

func TestReconciler_LeavesOtherSourcesAlone(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.UpsertPools(ctx, []model.Pool{{ID: "42161:0xchain", State: model.StateActive, DiscoveredVia: "chain"}}))
	r := newTestReconciler(st)

	res, err := r.Reconcile(ctx, "defillama", []DiscoveredPool{discovered("0xCCCC", "", 3)})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Deactivated)

	p, err := st.GetPool(ctx, "42161:0xchain")
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, p.State)

	created, err := st.GetPool(ctx, PoolID(arbitrum, "0xCCCC", ""))
	require.NoError(t, err)
	assert.Equal(t, UnknownProtocol, created.ProtocolID)
}
