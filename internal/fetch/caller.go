package fetch

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"github.com/yourorg/yield-intel/internal/circuitbreaker"
)

// Caller executes read-only contract calls. *ethclient.Client satisfies it.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ErrEmptyResult is returned when a call hits an address without code or a method the
// contract does not implement.
var ErrEmptyResult = errors.New("empty call result")

// GuardedCaller rate limits calls and stops calling while the breaker is open.
type GuardedCaller struct {
	next    Caller
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
}

// NewGuardedCaller wraps next. A nil limiter or breaker disables that guard.
func NewGuardedCaller(next Caller, limiter *rate.Limiter, breaker *circuitbreaker.CircuitBreaker) *GuardedCaller {
	return &GuardedCaller{next: next, limiter: limiter, breaker: breaker}
}

func (g *GuardedCaller) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if g.breaker != nil {
		if err := g.breaker.Allow(); err != nil {
			return nil, err
		}
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	out, err := g.next.CallContract(ctx, msg, blockNumber)
	if g.breaker != nil {
		// reverts prove the endpoint is alive; only transport failures count
		if err != nil && !isRevert(err) && ctx.Err() == nil {
			g.breaker.RecordFailure(err)
		} else if err == nil || isRevert(err) {
			g.breaker.RecordSuccess()
		}
	}
	return out, err
}

// isRevert reports whether err is an execution error returned by the node.
func isRevert(err error) bool {
	var dataErr interface{ ErrorData() interface{} }
	return errors.As(err, &dataErr)
}

// contract binds the shared ABI to one address.
type contract struct {
	address common.Address
	caller  Caller
	abi     *abi.ABI
}

func newContract(caller Caller, address common.Address) contract {
	return contract{address: address, caller: caller, abi: &chainABI}
}

func (c contract) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	to := c.address
	out, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, c.address.Hex(), err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("call %s on %s: %w", method, c.address.Hex(), ErrEmptyResult)
	}
	values, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

// callBig returns output idx as an integer.
func (c contract) callBig(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	values, err := c.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	return toBig(values, 0, method)
}

func (c contract) callAddress(ctx context.Context, method string) (common.Address, error) {
	values, err := c.call(ctx, method)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s: unexpected output type %T", method, values[0])
	}
	return addr, nil
}

// decimals reads the ERC-20 decimals, defaulting to 18 when the call fails.
func (c contract) decimals(ctx context.Context) uint8 {
	values, err := c.call(ctx, "decimals")
	if err != nil {
		return 18
	}
	if d, ok := values[0].(uint8); ok {
		return d
	}
	return 18
}

func toBig(values []interface{}, idx int, method string) (*big.Int, error) {
	if idx >= len(values) {
		return nil, fmt.Errorf("%s: missing output %d", method, idx)
	}
	switch v := values[idx].(type) {
	case *big.Int:
		return new(big.Int).Set(v), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(v)), nil
	default:
		return nil, fmt.Errorf("%s: unexpected output type %T", method, values[idx])
	}
}
