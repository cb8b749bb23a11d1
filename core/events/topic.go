package events

import ethcrypto "github.com/ethereum/go-ethereum/crypto"

// Topic returns the deterministic 32-byte keccak256 hash of an event's type
// string, for use as a fixed-width indexer/log topic. This follows the
// teacher's core/state.Manager convention of hashing string keys with
// ethcrypto.Keccak256 rather than storing variable-length strings as index
// keys.
func Topic(e Event) []byte {
	return ethcrypto.Keccak256([]byte(e.EventType()))
}

// Record pairs an Event with its topic and emission timestamp, the shape a
// downstream indexer or RPC subscription filters on.
type Record struct {
	Topic []byte
	TsMs  uint64
	Event Event
}

// NewRecord builds a Record for e, stamped with tsMs (the caller's current
// time, since this package must not call time.Now itself to stay
// deterministic under replay).
func NewRecord(e Event, tsMs uint64) Record {
	return Record{Topic: Topic(e), TsMs: tsMs, Event: e}
}
