package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/yourorg/yield-intel/internal/model"
	"github.com/yourorg/yield-intel/internal/store"
)

// Store implements store.Store using PostgreSQL.
type Store struct {
	pool *Pool
}

// NewStore creates a new Store.
func NewStore(pool *Pool) *Store {
	return &Store{pool: pool}
}

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

const upsertProtocolSQL = `
	INSERT INTO protocols (id, display_name, risk_score, family, updated_at)
	VALUES ($1, $2, $3, $4, now())
	ON CONFLICT (id) DO UPDATE SET
		display_name = EXCLUDED.display_name,
		risk_score = EXCLUDED.risk_score,
		family = EXCLUDED.family,
		updated_at = EXCLUDED.updated_at
`

const insertProtocolSQL = `
	INSERT INTO protocols (id, display_name, risk_score, family, updated_at)
	VALUES ($1, $2, $3, $4, now())
	ON CONFLICT (id) DO NOTHING
`

const upsertPoolSQL = `
	INSERT INTO pools (
		id, chain_id, protocol_id, address, sub_key, name, underlying_token, underlying_symbol,
		kind, family, current_apy, current_tvl, external_apy, external_tvl, last_updated_at,
		last_price_per_share, last_pps_at, state, discovered_via, source_id, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, COALESCE($21, now()))
	ON CONFLICT (id) DO UPDATE SET
		protocol_id = EXCLUDED.protocol_id,
		name = EXCLUDED.name,
		underlying_token = EXCLUDED.underlying_token,
		underlying_symbol = EXCLUDED.underlying_symbol,
		kind = EXCLUDED.kind,
		family = EXCLUDED.family,
		current_apy = EXCLUDED.current_apy,
		current_tvl = EXCLUDED.current_tvl,
		external_apy = EXCLUDED.external_apy,
		external_tvl = EXCLUDED.external_tvl,
		last_updated_at = EXCLUDED.last_updated_at,
		last_price_per_share = EXCLUDED.last_price_per_share,
		last_pps_at = EXCLUDED.last_pps_at,
		state = EXCLUDED.state,
		discovered_via = EXCLUDED.discovered_via,
		source_id = EXCLUDED.source_id
`

const insertSnapshotSQL = `
	INSERT INTO yield_snapshots (id, pool_id, ts, block_number, apy, tvl, raw_rate)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (id) DO NOTHING
`

const insertRawEventSQL = `
	INSERT INTO raw_events (id, chain_id, pool_id, tx_hash, log_index, block_number, ts, kind, fields)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (id) DO NOTHING
`

const upsertMetricsSQL = `
	INSERT INTO pool_metrics (
		pool_id, avg_apy_1h, avg_apy_6h, avg_apy_24h, avg_apy_7d, cv_1h, cv_6h, cv_24h,
		weighted_cv, stability_score, sample_count, computed_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (pool_id) DO UPDATE SET
		avg_apy_1h = EXCLUDED.avg_apy_1h,
		avg_apy_6h = EXCLUDED.avg_apy_6h,
		avg_apy_24h = EXCLUDED.avg_apy_24h,
		avg_apy_7d = EXCLUDED.avg_apy_7d,
		cv_1h = EXCLUDED.cv_1h,
		cv_6h = EXCLUDED.cv_6h,
		cv_24h = EXCLUDED.cv_24h,
		weighted_cv = EXCLUDED.weighted_cv,
		stability_score = EXCLUDED.stability_score,
		sample_count = EXCLUDED.sample_count,
		computed_at = EXCLUDED.computed_at
`

const selectPoolColumns = `
	id, chain_id, protocol_id, address, sub_key, name, underlying_token, underlying_symbol,
	kind, family, current_apy, current_tvl, external_apy, external_tvl, last_updated_at,
	last_price_per_share, last_pps_at, state, discovered_via, source_id, created_at
`

const selectMetricsColumns = `
	pool_id, avg_apy_1h, avg_apy_6h, avg_apy_24h, avg_apy_7d, cv_1h, cv_6h, cv_24h,
	weighted_cv, stability_score, sample_count, computed_at
`

func (s *Store) GetProtocol(ctx context.Context, id string) (model.Protocol, error) {
	var p model.Protocol
	var family string
	err := s.pool.QueryRow(ctx,
		`SELECT id, display_name, risk_score, family, updated_at FROM protocols WHERE id = $1`, id,
	).Scan(&p.ID, &p.DisplayName, &p.RiskScore, &family, &p.UpdatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return model.Protocol{}, store.ErrNotFound
		}
		return model.Protocol{}, fmt.Errorf("get protocol: %w", err)
	}
	p.Family = model.Family(family)
	return p, nil
}

func (s *Store) ListProtocols(ctx context.Context) ([]model.Protocol, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, display_name, risk_score, family, updated_at FROM protocols ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list protocols: %w", err)
	}
	defer rows.Close()

	var out []model.Protocol
	for rows.Next() {
		var p model.Protocol
		var family string
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.RiskScore, &family, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan protocol: %w", err)
		}
		p.Family = model.Family(family)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) UpsertProtocols(ctx context.Context, protocols []model.Protocol) error {
	return s.Apply(ctx, store.Writes{Protocols: protocols})
}

func (s *Store) InsertProtocols(ctx context.Context, protocols []model.Protocol) (int, error) {
	batch := &pgx.Batch{}
	for _, p := range protocols {
		batch.Queue(insertProtocolSQL, p.ID, p.DisplayName, p.RiskScore, string(p.Family))
	}
	inserted, err := executeBatch(ctx, s.pool, batch)
	if err != nil {
		return 0, fmt.Errorf("insert protocols: %w", err)
	}
	return int(inserted), nil
}

func (s *Store) GetPool(ctx context.Context, id string) (model.Pool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectPoolColumns+` FROM pools WHERE id = $1`, id)
	p, err := scanPool(row)
	if err != nil {
		if isNotFoundError(err) {
			return model.Pool{}, store.ErrNotFound
		}
		return model.Pool{}, fmt.Errorf("get pool: %w", err)
	}
	return p, nil
}

func (s *Store) ListPools(ctx context.Context, filter store.PoolFilter) ([]model.Pool, error) {
	query := `SELECT ` + selectPoolColumns + ` FROM pools WHERE ($1 = '' OR discovered_via = $1)`
	args := []any{filter.DiscoveredVia}
	if len(filter.States) > 0 {
		states := make([]string, 0, len(filter.States))
		for _, st := range filter.States {
			states = append(states, string(st))
		}
		query += ` AND state = ANY($2)`
		args = append(args, states)
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	defer rows.Close()

	var out []model.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pool: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) UpsertPools(ctx context.Context, pools []model.Pool) error {
	return s.Apply(ctx, store.Writes{Pools: pools})
}

func (s *Store) InsertSnapshotsOnce(ctx context.Context, snaps []model.YieldSnapshot) (int, error) {
	batch := &pgx.Batch{}
	queueSnapshots(batch, snaps)
	n, err := executeBatch(ctx, s.pool, batch)
	if err != nil {
		return int(n), fmt.Errorf("insert snapshots: %w", err)
	}
	return int(n), nil
}

func (s *Store) SnapshotsSince(ctx context.Context, poolID string, since time.Time) ([]model.YieldSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, pool_id, ts, block_number, apy, tvl, raw_rate
		FROM yield_snapshots
		WHERE pool_id = $1 AND ts >= $2
		ORDER BY ts, id
	`, poolID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []model.YieldSnapshot
	for rows.Next() {
		var snap model.YieldSnapshot
		var block int64
		if err := rows.Scan(&snap.ID, &snap.PoolID, &snap.Timestamp, &block, &snap.APY, &snap.TVL, &snap.RawRate); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.BlockNumber = uint64(block)
		snap.Timestamp = snap.Timestamp.UTC()
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *Store) InsertRawEventsOnce(ctx context.Context, events []model.RawEvent) (int, error) {
	batch := &pgx.Batch{}
	queueRawEvents(batch, events)
	n, err := executeBatch(ctx, s.pool, batch)
	if err != nil {
		return int(n), fmt.Errorf("insert raw events: %w", err)
	}
	return int(n), nil
}

func (s *Store) RawEventsExist(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT id FROM raw_events WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query raw events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan raw event id: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (s *Store) GetMetrics(ctx context.Context, poolID string) (model.PoolMetrics, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectMetricsColumns+` FROM pool_metrics WHERE pool_id = $1`, poolID)
	m, err := scanMetrics(row)
	if err != nil {
		if isNotFoundError(err) {
			return model.PoolMetrics{}, store.ErrNotFound
		}
		return model.PoolMetrics{}, fmt.Errorf("get metrics: %w", err)
	}
	return m, nil
}

func (s *Store) ListMetrics(ctx context.Context) ([]model.PoolMetrics, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+selectMetricsColumns+` FROM pool_metrics ORDER BY pool_id`)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()

	var out []model.PoolMetrics
	for rows.Next() {
		m, err := scanMetrics(rows)
		if err != nil {
			return nil, fmt.Errorf("scan metrics: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) UpsertMetrics(ctx context.Context, metrics []model.PoolMetrics) error {
	return s.Apply(ctx, store.Writes{Metrics: metrics})
}

// Apply queues every record into one batch inside a transaction.
func (s *Store) Apply(ctx context.Context, w store.Writes) error {
	if w.Empty() {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, p := range w.Protocols {
		batch.Queue(upsertProtocolSQL, p.ID, p.DisplayName, p.RiskScore, string(p.Family))
	}
	for _, p := range w.Pools {
		batch.Queue(upsertPoolSQL,
			p.ID, p.ChainID, p.ProtocolID, p.Address, p.SubKey, p.Name, p.UnderlyingToken, p.UnderlyingSymbol,
			string(p.Kind), string(p.Family), p.CurrentAPY, p.CurrentTVL, p.ExternalAPY, p.ExternalTVL,
			nullTime(p.LastUpdatedAt), p.LastPricePerShare, nullTime(p.LastPPSAt), string(p.State),
			p.DiscoveredVia, p.SourceID, nullTime(p.CreatedAt),
		)
	}
	queueSnapshots(batch, w.Snapshots)
	queueRawEvents(batch, w.RawEvents)
	for _, m := range w.Metrics {
		batch.Queue(upsertMetricsSQL,
			m.PoolID, m.AvgAPY1h, m.AvgAPY6h, m.AvgAPY24h, m.AvgAPY7d, m.CV1h, m.CV6h, m.CV24h,
			m.WeightedCV, m.StabilityScore, m.SampleCount, m.ComputedAt.UTC(),
		)
	}

	if _, err := executeBatch(ctx, tx, batch); err != nil {
		return fmt.Errorf("apply writes: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit writes: %w", err)
	}
	return nil
}

func queueSnapshots(batch *pgx.Batch, snaps []model.YieldSnapshot) {
	for _, snap := range snaps {
		batch.Queue(insertSnapshotSQL,
			snap.ID, snap.PoolID, snap.Timestamp.UTC(), int64(snap.BlockNumber), snap.APY, snap.TVL, snap.RawRate,
		)
	}
}

func queueRawEvents(batch *pgx.Batch, events []model.RawEvent) {
	for _, e := range events {
		fields := e.Fields
		if fields == nil {
			fields = map[string]string{}
		}
		batch.Queue(insertRawEventSQL,
			e.ID, e.ChainID, e.PoolID, e.TxHash, int32(e.LogIndex), int64(e.BlockNumber), e.Timestamp.UTC(), e.Kind, fields,
		)
	}
}

func scanPool(row pgx.Row) (model.Pool, error) {
	var p model.Pool
	var kind, family, state string
	var lastUpdated, lastPPS *time.Time
	err := row.Scan(
		&p.ID, &p.ChainID, &p.ProtocolID, &p.Address, &p.SubKey, &p.Name, &p.UnderlyingToken, &p.UnderlyingSymbol,
		&kind, &family, &p.CurrentAPY, &p.CurrentTVL, &p.ExternalAPY, &p.ExternalTVL, &lastUpdated,
		&p.LastPricePerShare, &lastPPS, &state, &p.DiscoveredVia, &p.SourceID, &p.CreatedAt,
	)
	if err != nil {
		return model.Pool{}, err
	}
	p.Kind = model.PoolKind(kind)
	p.Family = model.Family(family)
	p.State = model.LifecycleState(state)
	p.LastUpdatedAt = fromNullTime(lastUpdated)
	p.LastPPSAt = fromNullTime(lastPPS)
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

func scanMetrics(row pgx.Row) (model.PoolMetrics, error) {
	var m model.PoolMetrics
	err := row.Scan(
		&m.PoolID, &m.AvgAPY1h, &m.AvgAPY6h, &m.AvgAPY24h, &m.AvgAPY7d, &m.CV1h, &m.CV6h, &m.CV24h,
		&m.WeightedCV, &m.StabilityScore, &m.SampleCount, &m.ComputedAt,
	)
	if err != nil {
		return model.PoolMetrics{}, err
	}
	m.ComputedAt = m.ComputedAt.UTC()
	return m, nil
}
