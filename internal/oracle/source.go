package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// PrimaryResponse is one round of the primary (aggregator-style) feed.
// A transport or decoding failure is reported as Success=false.
type PrimaryResponse struct {
	// RoundID is a uint80 proxy round id: the phase in bits 64-79 and the
	// aggregator round below it.
	RoundID   *big.Int
	Answer    *big.Int
	Timestamp uint64
	Decimals  uint8
	Success   bool
}

// SecondaryResponse is the current value of the secondary feed.
type SecondaryResponse struct {
	Retrieved bool
	Value     *uint256.Int
	Timestamp uint64
	Success   bool
}

// PrimarySource reads the primary feed.
type PrimarySource interface {
	// Latest returns the most recent round.
	Latest(ctx context.Context) PrimaryResponse
	// Round returns a specific historical round.
	Round(ctx context.Context, roundID *big.Int) PrimaryResponse
}

// SecondarySource reads the secondary feed.
type SecondarySource interface {
	Current(ctx context.Context) SecondaryResponse
}

// StaticPrimary is an in-process primary feed driven by SetAnswer. Each call
// to SetAnswer opens a new round. Used for development and tests.
type StaticPrimary struct {
	mu       sync.Mutex
	decimals uint8
	phase    *big.Int // phase << 64
	rounds   []PrimaryResponse
	failing  bool
}

// NewStaticPrimary creates a feed reporting answers with the given decimals.
func NewStaticPrimary(decimals uint8) *StaticPrimary {
	return &StaticPrimary{decimals: decimals, phase: new(big.Int)}
}

// SetPhase sets the phase reported in the upper bits of every round id.
func (s *StaticPrimary) SetPhase(phase uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = new(big.Int).Lsh(big.NewInt(int64(phase)), 64)
	for i := range s.rounds {
		s.rounds[i].RoundID = s.roundID(uint64(i + 1))
	}
}

func (s *StaticPrimary) roundID(n uint64) *big.Int {
	return new(big.Int).Add(s.phase, new(big.Int).SetUint64(n))
}

// SetAnswer publishes a new round and returns its aggregator round number.
func (s *StaticPrimary) SetAnswer(answer *big.Int, timestamp uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := uint64(len(s.rounds) + 1)
	s.rounds = append(s.rounds, PrimaryResponse{
		RoundID:   s.roundID(n),
		Answer:    new(big.Int).Set(answer),
		Timestamp: timestamp,
		Decimals:  s.decimals,
		Success:   true,
	})
	return n
}

// SetRound overwrites or inserts a round. RoundID is the aggregator round
// number; the phase is added.
func (s *StaticPrimary) SetRound(r PrimaryResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.RoundID == nil || !r.RoundID.IsUint64() || r.RoundID.Sign() == 0 {
		return
	}
	n := r.RoundID.Uint64()
	r.RoundID = s.roundID(n)
	r.Decimals = s.decimals
	for uint64(len(s.rounds)) < n {
		s.rounds = append(s.rounds, PrimaryResponse{RoundID: s.roundID(uint64(len(s.rounds) + 1))})
	}
	s.rounds[n-1] = r
}

// SetFailing makes every call report Success=false.
func (s *StaticPrimary) SetFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

func (s *StaticPrimary) Latest(_ context.Context) PrimaryResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing || len(s.rounds) == 0 {
		return PrimaryResponse{}
	}
	return copyRound(s.rounds[len(s.rounds)-1])
}

func (s *StaticPrimary) Round(_ context.Context, roundID *big.Int) PrimaryResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing || roundID == nil {
		return PrimaryResponse{}
	}
	n := new(big.Int).Sub(roundID, s.phase)
	if n.Sign() <= 0 || !n.IsUint64() || n.Uint64() > uint64(len(s.rounds)) {
		return PrimaryResponse{}
	}
	return copyRound(s.rounds[n.Uint64()-1])
}

func copyRound(r PrimaryResponse) PrimaryResponse {
	if r.RoundID != nil {
		r.RoundID = new(big.Int).Set(r.RoundID)
	}
	if r.Answer != nil {
		r.Answer = new(big.Int).Set(r.Answer)
	}
	return r
}

// StaticSecondary is an in-process secondary feed.
type StaticSecondary struct {
	mu   sync.Mutex
	resp SecondaryResponse
}

// NewStaticSecondary creates an empty secondary feed.
func NewStaticSecondary() *StaticSecondary {
	return &StaticSecondary{}
}

// Set publishes a value.
func (s *StaticSecondary) Set(value *uint256.Int, timestamp uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resp = SecondaryResponse{Retrieved: true, Value: new(uint256.Int).Set(value), Timestamp: timestamp, Success: true}
}

// SetResponse publishes a raw response, including failures.
func (s *StaticSecondary) SetResponse(r SecondaryResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resp = r
}

func (s *StaticSecondary) Current(_ context.Context) SecondaryResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resp
}

// StaticPrimaryDecimals is the precision of the static primary feed.
const StaticPrimaryDecimals = 8

// StaticFeeds drives a static feed pair at a fixed price.
type StaticFeeds struct {
	Primary   *StaticPrimary
	Secondary *StaticSecondary

	answer *big.Int
	value  *uint256.Int
}

// NewStaticFeeds creates a feed pair reporting price, with the secondary at
// secondaryDecimals. Nothing is published until Publish.
func NewStaticFeeds(price decimal.Decimal, secondaryDecimals uint8) (*StaticFeeds, error) {
	if !price.IsPositive() {
		return nil, fmt.Errorf("oracle: static price must be positive, got %s", price)
	}
	answer := price.Shift(StaticPrimaryDecimals).BigInt()
	value, overflow := uint256.FromBig(price.Shift(int32(secondaryDecimals)).BigInt())
	if overflow || answer.Sign() <= 0 || value.IsZero() {
		return nil, fmt.Errorf("oracle: static price %s out of range", price)
	}
	return &StaticFeeds{
		Primary:   NewStaticPrimary(StaticPrimaryDecimals),
		Secondary: NewStaticSecondary(),
		answer:    answer,
		value:     value,
	}, nil
}

// Publish opens a new round on both feeds at timestamp. The first call opens
// two primary rounds so the latest one has a valid previous round.
func (f *StaticFeeds) Publish(timestamp uint64) {
	f.Primary.mu.Lock()
	empty := len(f.Primary.rounds) == 0
	f.Primary.mu.Unlock()
	if empty {
		f.Primary.SetAnswer(f.answer, timestamp)
	}
	f.Primary.SetAnswer(f.answer, timestamp)
	f.Secondary.Set(f.value, timestamp)
}
