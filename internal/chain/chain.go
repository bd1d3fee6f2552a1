// Package chain holds the Ethereum JSON-RPC plumbing shared by the on-chain
// readers: the price feeds and the vote-locker registry.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Caller is the subset of the Ethereum RPC the readers use.
// *ethclient.Client satisfies it.
type Caller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Dial connects to an Ethereum JSON-RPC endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain: evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// Contract is a view-only binding of an ABI at an address.
type Contract struct {
	client Caller
	addr   common.Address
	abi    abi.ABI
}

// Bind parses def and binds it at addr.
func Bind(client Caller, addr common.Address, def string) (*Contract, error) {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		return nil, fmt.Errorf("chain: parse abi: %w", err)
	}
	return &Contract{client: client, addr: addr, abi: parsed}, nil
}

// Address returns the bound address.
func (c *Contract) Address() common.Address { return c.addr }

// Call runs a view method at the latest block and unpacks its outputs.
func (c *Contract) Call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.addr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	vals, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return vals, nil
}
