package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/cdp-engine/internal/chain"
)

const aggregatorABI = `[
  {"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"name":"latestRoundData","type":"function","stateMutability":"view","inputs":[],"outputs":[
    {"name":"roundId","type":"uint80"},{"name":"answer","type":"int256"},{"name":"startedAt","type":"uint256"},
    {"name":"updatedAt","type":"uint256"},{"name":"answeredInRound","type":"uint80"}]},
  {"name":"getRoundData","type":"function","stateMutability":"view","inputs":[{"name":"_roundId","type":"uint80"}],"outputs":[
    {"name":"roundId","type":"uint80"},{"name":"answer","type":"int256"},{"name":"startedAt","type":"uint256"},
    {"name":"updatedAt","type":"uint256"},{"name":"answeredInRound","type":"uint80"}]}
]`

const tellorABI = `[
  {"name":"getTellorCurrentValue","type":"function","stateMutability":"view","inputs":[{"name":"_requestId","type":"uint256"}],"outputs":[
    {"name":"ifRetrieve","type":"bool"},{"name":"value","type":"uint256"},{"name":"_timestampRetrieved","type":"uint256"}]}
]`

// ChainlinkSource reads an aggregator contract as the primary feed.
type ChainlinkSource struct {
	contract *chain.Contract

	once     sync.Once
	decimals uint8
	decErr   error
}

// NewChainlinkSource binds an aggregator at addr.
func NewChainlinkSource(client chain.Caller, addr common.Address) (*ChainlinkSource, error) {
	contract, err := chain.Bind(client, addr, aggregatorABI)
	if err != nil {
		return nil, fmt.Errorf("oracle: aggregator: %w", err)
	}
	return &ChainlinkSource{contract: contract}, nil
}

func (s *ChainlinkSource) loadDecimals(ctx context.Context) (uint8, error) {
	s.once.Do(func() {
		vals, err := s.contract.Call(ctx, "decimals")
		if err != nil {
			s.decErr = err
			return
		}
		d, ok := vals[0].(uint8)
		if !ok {
			s.decErr = fmt.Errorf("decimals: unexpected type %T", vals[0])
			return
		}
		s.decimals = d
	})
	return s.decimals, s.decErr
}

func (s *ChainlinkSource) Latest(ctx context.Context) PrimaryResponse {
	return s.fetch(ctx, "latestRoundData")
}

func (s *ChainlinkSource) Round(ctx context.Context, roundID *big.Int) PrimaryResponse {
	if roundID == nil || roundID.Sign() < 0 || roundID.BitLen() > 80 {
		return PrimaryResponse{}
	}
	return s.fetch(ctx, "getRoundData", roundID)
}

func (s *ChainlinkSource) fetch(ctx context.Context, method string, args ...any) PrimaryResponse {
	dec, err := s.loadDecimals(ctx)
	if err != nil {
		return PrimaryResponse{}
	}
	vals, err := s.contract.Call(ctx, method, args...)
	if err != nil || len(vals) != 5 {
		return PrimaryResponse{}
	}
	roundID, ok1 := vals[0].(*big.Int)
	answer, ok2 := vals[1].(*big.Int)
	updatedAt, ok3 := vals[3].(*big.Int)
	if !ok1 || !ok2 || !ok3 || roundID.BitLen() > 80 || !updatedAt.IsUint64() {
		return PrimaryResponse{}
	}
	return PrimaryResponse{
		RoundID:   roundID,
		Answer:    answer,
		Timestamp: updatedAt.Uint64(),
		Decimals:  dec,
		Success:   true,
	}
}

// TellorSource reads a Tellor oracle as the secondary feed.
type TellorSource struct {
	contract  *chain.Contract
	requestID *big.Int
}

// NewTellorSource binds a Tellor contract at addr for the given request id.
func NewTellorSource(client chain.Caller, addr common.Address, requestID uint64) (*TellorSource, error) {
	contract, err := chain.Bind(client, addr, tellorABI)
	if err != nil {
		return nil, fmt.Errorf("oracle: tellor: %w", err)
	}
	return &TellorSource{contract: contract, requestID: new(big.Int).SetUint64(requestID)}, nil
}

func (s *TellorSource) Current(ctx context.Context) SecondaryResponse {
	vals, err := s.contract.Call(ctx, "getTellorCurrentValue", s.requestID)
	if err != nil || len(vals) != 3 {
		return SecondaryResponse{}
	}
	retrieved, ok1 := vals[0].(bool)
	value, ok2 := vals[1].(*big.Int)
	ts, ok3 := vals[2].(*big.Int)
	if !ok1 || !ok2 || !ok3 || !ts.IsUint64() {
		return SecondaryResponse{}
	}
	v, overflow := uint256.FromBig(value)
	if overflow {
		return SecondaryResponse{}
	}
	return SecondaryResponse{
		Retrieved: retrieved,
		Value:     v,
		Timestamp: ts.Uint64(),
		Success:   true,
	}
}
