package boost

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/cdp-engine/internal/chain"
)

const lockerABI = `[
  {"name":"getAccountWeightAt","type":"function","stateMutability":"view","inputs":[
    {"name":"account","type":"address"},{"name":"week","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"getTotalWeightAt","type":"function","stateMutability":"view","inputs":[
    {"name":"week","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	// ErrInvalidAccount is returned by EVMRegistry for an account that is
	// not a hex address.
	ErrInvalidAccount = errors.New("boost: account is not an address")
	// ErrWeightOverflow is returned when a locker reports a weight above
	// the uint64 range.
	ErrWeightOverflow = errors.New("boost: lock weight out of range")
)

// EVMRegistry reads lock weights from an on-chain vote locker.
type EVMRegistry struct {
	contract *chain.Contract
}

// NewEVMRegistry binds a vote locker at addr.
func NewEVMRegistry(client chain.Caller, addr common.Address) (*EVMRegistry, error) {
	contract, err := chain.Bind(client, addr, lockerABI)
	if err != nil {
		return nil, fmt.Errorf("boost: locker: %w", err)
	}
	return &EVMRegistry{contract: contract}, nil
}

func (r *EVMRegistry) AccountWeightAt(ctx context.Context, account string, epoch uint64) (uint64, error) {
	if !common.IsHexAddress(account) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAccount, account)
	}
	return r.weight(ctx, "getAccountWeightAt", common.HexToAddress(account), new(big.Int).SetUint64(epoch))
}

func (r *EVMRegistry) TotalWeightAt(ctx context.Context, epoch uint64) (uint64, error) {
	return r.weight(ctx, "getTotalWeightAt", new(big.Int).SetUint64(epoch))
}

func (r *EVMRegistry) weight(ctx context.Context, method string, args ...any) (uint64, error) {
	vals, err := r.contract.Call(ctx, method, args...)
	if err != nil {
		return 0, err
	}
	if len(vals) != 1 {
		return 0, fmt.Errorf("%s: %d outputs", method, len(vals))
	}
	w, ok := vals[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("%s: unexpected type %T", method, vals[0])
	}
	if !w.IsUint64() {
		return 0, fmt.Errorf("%w: %s returned %s", ErrWeightOverflow, method, w)
	}
	return w.Uint64(), nil
}
