// Package paxos implements one single-decree Paxos instance per chain slot:
// proposer, acceptor, and learner logic for the current chain height.
package paxos

import (
	"strconv"
	"sync"
	"time"

	"github.com/JohnKim04/blockchain-paxos/config"
	"github.com/JohnKim04/blockchain-paxos/internal/log"
	"github.com/JohnKim04/blockchain-paxos/pkg/block"
)

// proposerRound is the proposer-side scratch for one in-flight round. It is
// created fresh by Propose and captures the ballot once, up front — the
// fix for the "ballot reconstructed inside every handler" bug spec §9
// flags: if on_promise or on_accepted instead recomputed (seq, self, depth)
// from live state, a DECIDE advancing depth mid-round would make the
// proposer silently discard valid promises. Every handler in this round
// compares against round.ballot, never a freshly computed one.
type proposerRound struct {
	ballot   Ballot
	value    *block.Block
	promises map[int]promiseRecord
	accepts  map[int]struct{}
	leader   bool
	timer    *time.Timer
}

type promiseRecord struct {
	acceptedBallot Ballot
	acceptedVal    *block.Block
}

// Instance holds one peer's per-slot Paxos state: the acceptor triple
// (max_promised, accepted_ballot, accepted_val), the decided-set for DECIDE
// idempotence, and the current proposer round, if any.
//
// Instance is not internally synchronized: per spec §5's shared-state
// discipline, the caller (internal/peer) must serialize every call into an
// Instance under its own single per-peer lock, including the retry timer's
// callback — which is why Guard is required at construction.
type Instance struct {
	selfID    string
	selfNum   int
	transport Transport
	guard     sync.Locker
	retryWait time.Duration

	maxPromised    Ballot
	acceptedBallot Ballot
	acceptedVal    *block.Block
	seq            int
	round          *proposerRound
	decided        map[string]struct{}
}

// New creates an Instance for selfID (a roster peer-id string), using
// transport to broadcast/send/commit/query, guard as the external lock
// every call (including the retry timer) must be made under, and
// retryWait as the one-shot re-propose timeout (spec default 20s).
func New(selfID string, transport Transport, guard sync.Locker, retryWait time.Duration) (*Instance, error) {
	selfNum, err := strconv.Atoi(selfID)
	if err != nil {
		return nil, err
	}
	return &Instance{
		selfID:         selfID,
		selfNum:        selfNum,
		transport:      transport,
		guard:          guard,
		retryWait:      retryWait,
		maxPromised:    NoBallot,
		acceptedBallot: NoBallot,
		decided:        make(map[string]struct{}),
	}, nil
}

// MarkDecided records hash as already learned, without running the rest of
// on_decide. Used when restoring a peer's decided-set after a reload/sync
// so a re-delivered DECIDE for a previously learned block is ignored.
func (in *Instance) MarkDecided(hash string) {
	in.decided[hash] = struct{}{}
}

// CancelProposal clears the proposer scratch state and any armed timer,
// per the failProcess command's effect on Paxos state (spec §5).
func (in *Instance) CancelProposal() {
	in.cancelTimer()
	in.round = nil
}

// Propose is the entry point a peer calls to start consensus on blk. It
// bumps the local seq, snapshots the current depth, forms the ballot,
// broadcasts PREPARE to every other peer, and synchronously invokes its
// own acceptor handler for the ballot (self-delivery bypasses the network
// and its simulated delay, per spec §4.4).
func (in *Instance) Propose(blk *block.Block) {
	in.seq++
	depth := in.transport.Depth()
	ballot := Ballot{Seq: in.seq, ProposerID: in.selfNum, Depth: depth}

	in.cancelTimer()
	in.round = &proposerRound{
		ballot:   ballot,
		value:    blk,
		promises: make(map[int]promiseRecord),
		accepts:  make(map[int]struct{}),
	}
	in.armRetryTimer()

	if err := in.transport.Broadcast(Prepare{Type: TypePrepare, Sender: in.selfID, Ballot: ballot}); err != nil {
		log.Paxos.Warn().Err(err).Str("ballot", ballot.String()).Msg("broadcast PREPARE failed")
	}
	in.onPrepare(in.selfID, ballot)
}

// armRetryTimer arms a one-shot timer that re-proposes the round's value if
// consensus has not been reached within retryWait. The callback takes
// guard before touching any shared state, since it fires on its own
// goroutine (spec §5's suspension point (e)).
func (in *Instance) armRetryTimer() {
	round := in.round
	round.timer = time.AfterFunc(in.retryWait, func() {
		in.guard.Lock()
		defer in.guard.Unlock()
		in.onRetry(round)
	})
}

func (in *Instance) cancelTimer() {
	if in.round != nil && in.round.timer != nil {
		in.round.timer.Stop()
	}
}

// onRetry re-proposes round's value if it is still the active round, the
// peer is live, and no leader has been chosen yet.
func (in *Instance) onRetry(round *proposerRound) {
	if in.round != round {
		return // a newer round has since started; this timer is stale
	}
	if !in.transport.IsActive() {
		return
	}
	if round.leader {
		return
	}
	log.Paxos.Info().Str("ballot", round.ballot.String()).Msg("paxos retry timer expired, re-proposing")
	in.Propose(round.value)
}

// onPrepare is phase 1a's acceptor side. If b strictly exceeds
// max_promised, it is adopted and a PROMISE is sent back; otherwise the
// message is silently dropped (no NACK, per spec §4.3).
func (in *Instance) onPrepare(sender string, b Ballot) {
	if !b.Greater(in.maxPromised) {
		return
	}
	in.maxPromised = b
	promise := Promise{
		Type:           TypePromise,
		Sender:         in.selfID,
		Ballot:         b,
		AcceptedBallot: in.acceptedBallot,
		AcceptedVal:    in.acceptedVal,
	}
	in.replyTo(sender, promise, func() {
		in.onPromise(in.selfID, b, promise.AcceptedBallot, promise.AcceptedVal)
	})
}

// onPromise is phase 1b's proposer side. Promises are only accepted while
// b equals the proposer's captured round ballot; stale promises (from an
// earlier round) are discarded. On first reaching a strict majority, the
// proposer becomes leader, selects a value per the classical Paxos safety
// rule, and broadcasts ACCEPT.
func (in *Instance) onPromise(sender string, b Ballot, accB Ballot, accV *block.Block) {
	round := in.round
	if round == nil || b != round.ballot {
		return
	}
	n, err := strconv.Atoi(sender)
	if err != nil {
		return
	}
	round.promises[n] = promiseRecord{acceptedBallot: accB, acceptedVal: accV}

	if round.leader || len(round.promises) < majority() {
		return
	}
	round.leader = true

	chosen := round.value
	best := NoBallot
	for _, p := range round.promises {
		if p.acceptedVal != nil && p.acceptedBallot.Greater(best) {
			best = p.acceptedBallot
			chosen = p.acceptedVal
		}
	}
	round.accepts = make(map[int]struct{})

	if err := in.transport.Broadcast(Accept{Type: TypeAccept, Sender: in.selfID, Ballot: b, Val: chosen}); err != nil {
		log.Paxos.Warn().Err(err).Str("ballot", b.String()).Msg("broadcast ACCEPT failed")
	}
	in.onAccept(in.selfID, b, chosen)
}

// onAccept is phase 2a's acceptor side. Accepted whenever b is at least
// max_promised (acceptors that never promised a higher ballot still
// accept, matching classical Paxos).
func (in *Instance) onAccept(sender string, b Ballot, v *block.Block) {
	if b.Less(in.maxPromised) {
		return
	}
	in.maxPromised = b
	in.acceptedBallot = b
	in.acceptedVal = v

	accepted := Accepted{Type: TypeAccepted, Sender: in.selfID, Ballot: b, Val: v}
	in.replyTo(sender, accepted, func() {
		in.onAccepted(in.selfID, b, v)
	})
}

// onAccepted is phase 2b's proposer side. Only counted against the
// captured round ballot. On first reaching a strict majority, and if the
// value has not already been decided, the timer is cancelled, DECIDE is
// broadcast, and OnDecide runs locally (it records the hash in the
// decided-set before handing the block to the commit path).
func (in *Instance) onAccepted(sender string, b Ballot, v *block.Block) {
	round := in.round
	if round == nil || b != round.ballot {
		return
	}
	n, err := strconv.Atoi(sender)
	if err != nil {
		return
	}
	round.accepts[n] = struct{}{}

	if len(round.accepts) < majority() {
		return
	}
	if _, already := in.decided[v.Hash]; already {
		return
	}

	in.cancelTimer()

	if err := in.transport.Broadcast(Decide{Type: TypeDecide, Sender: in.selfID, Val: v}); err != nil {
		log.Paxos.Warn().Err(err).Str("hash", v.Hash).Msg("broadcast DECIDE failed")
	}
	in.OnDecide(v)
}

// OnDecide is exported: it is both the handler for an inbound DECIDE
// message and the direct call self-delivery uses after broadcasting. If
// the block's hash is already decided, it is logged and dropped; otherwise
// it is recorded, any active retry timer is cancelled, the acceptor's
// per-slot value is cleared (so the next slot starts clean, while
// max_promised is deliberately kept per spec §4.3's per-slot reset note),
// and the block is handed to the chain store's commit path.
func (in *Instance) OnDecide(v *block.Block) {
	if _, already := in.decided[v.Hash]; already {
		log.Paxos.Debug().Str("hash", v.Hash).Msg("duplicate decide, already learned")
		return
	}
	in.decided[v.Hash] = struct{}{}
	in.cancelTimer()
	in.acceptedBallot = NoBallot
	in.acceptedVal = nil
	in.round = nil

	if err := in.transport.Decide(v); err != nil {
		log.Paxos.Warn().Err(err).Str("hash", v.Hash).Msg("commit failed for decided block, will catch up via sync")
	}
}

// OnPrepare handles an inbound PREPARE from sender.
func (in *Instance) OnPrepare(sender string, b Ballot) { in.onPrepare(sender, b) }

// OnPromise handles an inbound PROMISE from sender.
func (in *Instance) OnPromise(sender string, b Ballot, accB Ballot, accV *block.Block) {
	in.onPromise(sender, b, accB, accV)
}

// OnAccept handles an inbound ACCEPT from sender.
func (in *Instance) OnAccept(sender string, b Ballot, v *block.Block) { in.onAccept(sender, b, v) }

// OnAccepted handles an inbound ACCEPTED from sender.
func (in *Instance) OnAccepted(sender string, b Ballot, v *block.Block) { in.onAccepted(sender, b, v) }

// replyTo sends msg to target, or — when target is the local peer — invokes
// local directly instead of going through the transport. This is the
// self-delivery rule of spec §4.4 applied to acceptor replies, not just the
// three entry points the spec calls out by name: a proposer that is also
// its own acceptor must not wait on its own simulated network delay.
func (in *Instance) replyTo(target string, msg any, local func()) {
	if target == in.selfID {
		local()
		return
	}
	if err := in.transport.SendTo(target, msg); err != nil {
		log.Paxos.Warn().Err(err).Str("target", target).Msg("send failed")
	}
}

// majority returns the strict quorum size for the fixed five-peer roster.
func majority() int {
	return config.Majority
}
