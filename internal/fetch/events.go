package fetch

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-intel/internal/ingest"
)

// LogReader is the subset of *ethclient.Client used to poll logs.
type LogReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// EventSource polls eth_getLogs for reserve updates on lending markets and for ERC-4626
// flows on vaults. It remembers the next block to read; a restart re-reads the lookback
// window, which the idempotent processor absorbs.
type EventSource struct {
	client   LogReader
	chainID  int64
	markets  []common.Address
	lookback uint64
	maxRange uint64

	mu   sync.Mutex
	next uint64
}

func NewEventSource(client LogReader, chainID int64, markets []common.Address, lookback, maxRange uint64) *EventSource {
	if maxRange == 0 {
		maxRange = 2000
	}
	return &EventSource{
		client:   client,
		chainID:  chainID,
		markets:  markets,
		lookback: lookback,
		maxRange: maxRange,
	}
}

var (
	reserveDataUpdated = chainABI.Events["ReserveDataUpdated"]
	vaultDeposit       = chainABI.Events["Deposit"]
	vaultWithdraw      = chainABI.Events["Withdraw"]
)

// Poll reads every log since the last committed block up to the head. It returns the
// decoded events and the last block covered; pass that block to Commit once the events
// are stored.
func (s *EventSource) Poll(ctx context.Context, vaults []common.Address) ([]ingest.ChainEvent, uint64, error) {
	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("block number: %w", err)
	}

	s.mu.Lock()
	from := s.next
	s.mu.Unlock()
	if from == 0 {
		from = 1
		if head > s.lookback {
			from = head - s.lookback
		}
	}
	if from > head {
		return nil, head, nil
	}

	headers := make(map[uint64]time.Time)
	var out []ingest.ChainEvent
	for start := from; start <= head; start += s.maxRange {
		end := start + s.maxRange - 1
		if end > head {
			end = head
		}

		var logs []types.Log
		if len(s.markets) > 0 {
			got, err := s.filter(ctx, start, end, s.markets, reserveDataUpdated.ID)
			if err != nil {
				return nil, 0, err
			}
			logs = append(logs, got...)
		}
		if len(vaults) > 0 {
			got, err := s.filter(ctx, start, end, vaults, vaultDeposit.ID, vaultWithdraw.ID)
			if err != nil {
				return nil, 0, err
			}
			logs = append(logs, got...)
		}

		for _, l := range logs {
			if l.Removed {
				continue
			}
			ev, err := decodeLog(l)
			if err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{
					"tx":        l.TxHash.Hex(),
					"log_index": l.Index,
				}).Warn("Skipping undecodable log")
				continue
			}
			at, err := s.blockTime(ctx, headers, l.BlockNumber)
			if err != nil {
				return nil, 0, err
			}
			ev.ChainID = s.chainID
			ev.BlockTime = at
			out = append(out, ev)
		}
	}

	logrus.WithFields(logrus.Fields{
		"from":   from,
		"to":     head,
		"events": len(out),
	}).Debug("Polled chain logs")
	return out, head, nil
}

// Commit moves the cursor past block.
func (s *EventSource) Commit(block uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if block+1 > s.next {
		s.next = block + 1
	}
}

func (s *EventSource) filter(ctx context.Context, from, to uint64, addrs []common.Address, topics ...common.Hash) ([]types.Log, error) {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: addrs,
		Topics:    [][]common.Hash{topics},
	}
	logs, err := s.client.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("filter logs %d-%d: %w", from, to, err)
	}
	return logs, nil
}

func (s *EventSource) blockTime(ctx context.Context, cache map[uint64]time.Time, block uint64) (time.Time, error) {
	if at, ok := cache[block]; ok {
		return at, nil
	}
	h, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		return time.Time{}, fmt.Errorf("header %d: %w", block, err)
	}
	at := time.Unix(int64(h.Time), 0).UTC()
	cache[block] = at
	return at, nil
}

func decodeLog(l types.Log) (ingest.ChainEvent, error) {
	if len(l.Topics) == 0 {
		return ingest.ChainEvent{}, fmt.Errorf("log without topics")
	}

	ev := ingest.ChainEvent{
		Contract:    l.Address.Hex(),
		BlockNumber: l.BlockNumber,
		LogIndex:    l.Index,
		TxHash:      l.TxHash.Hex(),
		Fields:      make(map[string]string),
	}

	var (
		event   abi.Event
		indexed []string
	)
	switch l.Topics[0] {
	case reserveDataUpdated.ID:
		event, ev.Kind, indexed = reserveDataUpdated, ingest.EventReserveDataUpdated, []string{"reserve"}
	case vaultDeposit.ID:
		event, ev.Kind, indexed = vaultDeposit, ingest.EventDeposit, []string{"sender", "owner"}
	case vaultWithdraw.ID:
		event, ev.Kind, indexed = vaultWithdraw, ingest.EventWithdraw, []string{"sender", "receiver", "owner"}
	default:
		return ingest.ChainEvent{}, fmt.Errorf("unknown topic %s", l.Topics[0].Hex())
	}

	if len(l.Topics) != len(indexed)+1 {
		return ingest.ChainEvent{}, fmt.Errorf("%s: expected %d topics, got %d", event.Name, len(indexed)+1, len(l.Topics))
	}
	for i, name := range indexed {
		ev.Fields[name] = common.BytesToAddress(l.Topics[i+1].Bytes()).Hex()
	}

	values := make(map[string]interface{})
	if err := event.Inputs.NonIndexed().UnpackIntoMap(values, l.Data); err != nil {
		return ingest.ChainEvent{}, fmt.Errorf("%s: %w", event.Name, err)
	}
	for name, v := range values {
		if b, ok := v.(*big.Int); ok {
			ev.Fields[name] = b.String()
		}
	}
	return ev, nil
}
