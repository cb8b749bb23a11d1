// Package position implements the account position store of spec.md §4.6:
// positions addressed by (account_nonce, kind, asset), at most one Deposit
// and one Borrow per (account, asset), capped at 10 positions per kind. It
// generalizes the teacher's single-account, single-asset UserAccount
// (native/lending/types.go) into a multi-asset, multi-account map keyed the
// way the spec requires, while keeping the teacher's snapshot-the-risk-
// parameters-at-creation idiom.
package position

import (
	"fmt"
	"math/big"
	"sort"

	lendcoreerrors "lendcore/core/errors"
	"lendcore/core/types"
)

// MaxPerKind is the per-account, per-kind position cap (spec.md §3, §4.6).
const MaxPerKind = 10

// RiskSnapshot captures the risk parameters in force when a position was
// created or last re-snapshotted (spec.md §3 Position, §4.7
// update_account_threshold).
type RiskSnapshot struct {
	LTVBps                 uint64
	LiquidationThresholdBps uint64
	LiquidationBonusBps     uint64
	LiquidationFeeBps       uint64
}

// Position is one (account_nonce, kind, asset) ledger entry. ScaledAmount is
// the ray-scaled balance recovered via scaled_amount × index_kind in the
// owning market.
type Position struct {
	Kind         types.PositionKind
	Asset        types.AssetID
	ScaledAmount *big.Int
	Risk         RiskSnapshot
}

// Clone returns a deep copy of Position.
func (p Position) Clone() Position {
	clone := p
	if p.ScaledAmount != nil {
		clone.ScaledAmount = new(big.Int).Set(p.ScaledAmount)
	}
	return clone
}

type key struct {
	nonce uint64
	kind  types.PositionKind
	asset types.AssetID
}

// Store is the in-memory position ledger for one shard/host. A concrete
// on-chain implementation would back this with the host's trie/KV store;
// Store only models the access pattern the controller depends on.
type Store struct {
	positions map[key]Position
}

// NewStore constructs an empty position Store.
func NewStore() *Store {
	return &Store{positions: make(map[key]Position)}
}

// Get returns the position at (nonce, kind, asset), or ok=false if absent.
func (s *Store) Get(nonce uint64, kind types.PositionKind, asset types.AssetID) (Position, bool) {
	p, ok := s.positions[key{nonce, kind, asset}]
	return p, ok
}

// Put inserts or replaces the position at (nonce, kind, asset). Enforces
// the per-kind cap (spec.md §4.6, §8 I7) when inserting a new entry;
// updating an existing entry never trips the cap.
func (s *Store) Put(nonce uint64, p Position) error {
	k := key{nonce, p.Kind, p.Asset}
	if _, exists := s.positions[k]; !exists {
		if s.CountByKind(nonce, p.Kind) >= MaxPerKind {
			return lendcoreerrors.ErrPositionLimit
		}
	}
	s.positions[k] = p
	return nil
}

// Remove deletes the position at (nonce, kind, asset), if present.
func (s *Store) Remove(nonce uint64, kind types.PositionKind, asset types.AssetID) {
	delete(s.positions, key{nonce, kind, asset})
}

// IterByKind returns every position of the given kind owned by nonce,
// ordered by asset for deterministic iteration (event emission, health
// factor accumulation).
func (s *Store) IterByKind(nonce uint64, kind types.PositionKind) []Position {
	var out []Position
	for k, p := range s.positions {
		if k.nonce == nonce && k.kind == kind {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// CountByKind returns the number of positions of the given kind owned by
// nonce.
func (s *Store) CountByKind(nonce uint64, kind types.PositionKind) int {
	n := 0
	for k := range s.positions {
		if k.nonce == nonce && k.kind == kind {
			n++
		}
	}
	return n
}

// HasAnyBorrow reports whether nonce owns at least one Borrow position,
// which the controller uses to gate allow_unsafe_price (spec.md §4.5, §4.7).
func (s *Store) HasAnyBorrow(nonce uint64) bool {
	return s.CountByKind(nonce, types.Borrow) > 0
}

// Validate re-checks the store-wide invariants of spec.md §8 I7: at most
// MaxPerKind positions per (account, kind). Intended for test assertions,
// not the hot path (Put already enforces the cap incrementally).
func (s *Store) Validate() error {
	counts := make(map[key]int)
	for k := range s.positions {
		counts[key{k.nonce, k.kind, ""}]++
	}
	for k, n := range counts {
		if n > MaxPerKind {
			return fmt.Errorf("%w: account %d kind %s has %d positions", lendcoreerrors.ErrPositionLimit, k.nonce, k.kind, n)
		}
	}
	return nil
}
