package paxos

import "github.com/JohnKim04/blockchain-paxos/pkg/block"

// Transport is the seam spec §9's design notes recommend: a small interface
// the replication layer consumes instead of being wired to the messenger
// and chain store via injected function references. This keeps
// internal/paxos free of any import-time dependency on internal/messenger.
type Transport interface {
	// Broadcast sends msg to every other peer in the roster. It never
	// targets the local peer (self-delivery is handled by Instance calling
	// its own handlers directly, per spec §4.4).
	Broadcast(msg any) error
	// SendTo sends msg to one peer.
	SendTo(peerID string, msg any) error
	// Decide hands a learned block to the chain store's commit path. A
	// failed commit is the chain store's concern to log; Decide itself only
	// propagates the error for the instance's own logging.
	Decide(blk *block.Block) error
	// Depth returns the chain store's current length, used to snapshot the
	// ballot's slot_depth at Propose time.
	Depth() int
	// IsActive reports whether the local peer is live (not failed).
	IsActive() bool
}
