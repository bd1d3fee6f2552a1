// Package chaintest provides an in-process contract backend for tests.
package chaintest

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/stretchr/testify/require"
)

// Fake answers eth_call by method selector with canned outputs and records
// the decoded inputs of the last call to each method.
type Fake struct {
	t   *testing.T
	abi abi.ABI

	mu      sync.Mutex
	replies map[string]func(args []any) []any
	args    map[string][]any
	calls   map[string]int
	fail    bool
}

// New parses def and returns a backend with no replies.
func New(t *testing.T, def string) *Fake {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(def))
	require.NoError(t, err)
	return &Fake{
		t:       t,
		abi:     parsed,
		replies: map[string]func([]any) []any{},
		args:    map[string][]any{},
		calls:   map[string]int{},
	}
}

// Reply sets fixed outputs for method.
func (f *Fake) Reply(method string, out ...any) {
	f.ReplyFunc(method, func([]any) []any { return out })
}

// ReplyFunc computes the outputs for method from its decoded inputs.
func (f *Fake) ReplyFunc(method string, fn func(args []any) []any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[method] = fn
}

// Fail makes every call revert.
func (f *Fake) Fail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

// Args returns the inputs of the last call to method.
func (f *Fake) Args(method string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.args[method]
}

// Calls returns how many times method was called.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *Fake) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("execution reverted")
	}
	for name, m := range f.abi.Methods {
		if !bytes.HasPrefix(msg.Data, m.ID) {
			continue
		}
		in, err := m.Inputs.Unpack(msg.Data[len(m.ID):])
		require.NoError(f.t, err)
		f.args[name] = in
		f.calls[name]++
		reply, ok := f.replies[name]
		if !ok {
			return nil, errors.New("execution reverted")
		}
		out, err := m.Outputs.Pack(reply(in)...)
		require.NoError(f.t, err)
		return out, nil
	}
	return nil, errors.New("unknown selector")
}
