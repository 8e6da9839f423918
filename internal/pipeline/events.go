package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-intel/internal/config"
	"github.com/yourorg/yield-intel/internal/ingest"
	"github.com/yourorg/yield-intel/internal/model"
	"github.com/yourorg/yield-intel/internal/store"
)

// EventProvenance tags pools first seen through chain events.
const EventProvenance = "chain-events"

// EventFeed delivers decoded chain logs. *fetch.EventSource satisfies it.
type EventFeed interface {
	Poll(ctx context.Context, vaults []common.Address) ([]ingest.ChainEvent, uint64, error)
	Commit(block uint64)
}

// EventJob polls chain logs and applies them exactly once.
type EventJob struct {
	store     store.Store
	feed      EventFeed
	processor *ingest.EventProcessor
	metrics   *Metrics
}

func NewEventJob(st store.Store, feed EventFeed, processor *ingest.EventProcessor, metrics *Metrics) *EventJob {
	return &EventJob{store: st, feed: feed, processor: processor, metrics: metrics}
}

func (j *EventJob) Name() string { return "events" }

func (j *EventJob) Run(ctx context.Context) error {
	_, err := j.Ingest(ctx)
	return err
}

// Ingest polls from the last committed block. The cursor only advances when every pool
// applied its events; otherwise the range is read again and the duplicates dropped.
func (j *EventJob) Ingest(ctx context.Context) (ingest.ProcessResult, error) {
	vaults, err := j.vaults(ctx)
	if err != nil {
		return ingest.ProcessResult{}, err
	}

	events, head, err := j.feed.Poll(ctx, vaults)
	if err != nil {
		return ingest.ProcessResult{}, fmt.Errorf("poll logs: %w", err)
	}

	res, err := j.processor.Process(ctx, events)
	if err != nil {
		return res, fmt.Errorf("process events: %w", err)
	}
	j.metrics.eventsProcessed(res.Applied)

	log := Logger(ctx).WithFields(logrus.Fields{
		"head":       head,
		"received":   res.Received,
		"applied":    res.Applied,
		"duplicates": res.Duplicates,
		"skipped":    res.Skipped,
		"failed":     len(res.Failed),
	})
	if len(res.Failed) > 0 {
		log.Warn("Chain events partially applied, cursor held")
		return res, nil
	}
	j.feed.Commit(head)
	log.Info("Chain events applied")
	return res, nil
}

func (j *EventJob) vaults(ctx context.Context) ([]common.Address, error) {
	pools, err := j.store.ListPools(ctx, store.PoolFilter{
		States: []model.LifecycleState{model.StateUnknown, model.StateActive},
	})
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	out := make([]common.Address, 0)
	for _, p := range pools {
		if p.Family == model.FamilyERC4626 && common.IsHexAddress(p.Address) {
			out = append(out, common.HexToAddress(p.Address))
		}
	}
	return out, nil
}

// RegistryPoolFactory creates pools for reserve updates of tracked stablecoins on the
// registry's lending markets. Any other unknown pool is ignored.
func RegistryPoolFactory(reg *config.Registry) ingest.PoolFactory {
	return func(ev ingest.ChainEvent) (model.Pool, bool) {
		if ev.Kind != ingest.EventReserveDataUpdated {
			return model.Pool{}, false
		}
		var market *config.Market
		for i := range reg.LendingMarkets {
			if strings.EqualFold(reg.LendingMarkets[i].Address, ev.Contract) {
				market = &reg.LendingMarkets[i]
				break
			}
		}
		if market == nil {
			return model.Pool{}, false
		}

		reserve := ev.Fields["reserve"]
		symbol := ""
		for sym, addr := range reg.Stablecoins {
			if strings.EqualFold(addr, reserve) {
				symbol = sym
				break
			}
		}
		if symbol == "" {
			return model.Pool{}, false
		}

		family := model.FamilyAaveV3
		if dep, ok := reg.Deployment(ev.Contract); ok {
			family = dep.Family
		}
		name := market.Protocol + " " + symbol
		for _, p := range reg.Protocols {
			if p.ID == market.Protocol {
				name = p.DisplayName + " " + symbol
			}
		}

		return model.Pool{
			ID:               ev.PoolID(),
			ChainID:          ev.ChainID,
			ProtocolID:       market.Protocol,
			Address:          strings.ToLower(ev.Contract),
			SubKey:           strings.ToLower(reserve),
			Name:             name,
			UnderlyingToken:  strings.ToLower(reserve),
			UnderlyingSymbol: symbol,
			Kind:             model.PoolKindLending,
			Family:           family,
			State:            model.StateUnknown,
			DiscoveredVia:    EventProvenance,
			CreatedAt:        ev.BlockTime.UTC(),
		}, true
	}
}
