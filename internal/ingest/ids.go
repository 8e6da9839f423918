// Package ingest turns adapter readings, discovery records and chain events into
// idempotent store writes.
package ingest

import (
	"fmt"
	"strings"
	"time"
)

// PoolID derives the composite pool id. Equal inputs always give the same id, whatever
// the case of the hex strings.
func PoolID(chainID int64, address, subKey string) string {
	id := fmt.Sprintf("%d:%s", chainID, strings.ToLower(strings.TrimSpace(address)))
	if subKey = strings.TrimSpace(subKey); subKey != "" {
		id += ":" + strings.ToLower(subKey)
	}
	return id
}

// CycleBoundary truncates t to the start of its polling cycle.
func CycleBoundary(t time.Time, cycle time.Duration) time.Time {
	if cycle <= 0 {
		return t.UTC().Truncate(time.Second)
	}
	return t.UTC().Truncate(cycle)
}

// PolledSnapshotID keys a polled sample by pool and cycle start, so a second write in the
// same cycle is a no-op.
func PolledSnapshotID(poolID string, cycleStart time.Time) string {
	return fmt.Sprintf("%s:%d", poolID, cycleStart.Unix())
}

// BlockSnapshotID keys a sample sourced from chain events.
func BlockSnapshotID(poolID string, block uint64) string {
	return fmt.Sprintf("%s:b%d", poolID, block)
}

// RawEventID keys a chain log. The transaction hash is lower-cased.
func RawEventID(chainID int64, txHash string, logIndex uint) string {
	return fmt.Sprintf("%d:%s:%d", chainID, strings.ToLower(txHash), logIndex)
}
