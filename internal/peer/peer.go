// Package peer wires the chain store, Paxos instance, messenger, and
// recovery syncer into one running process: it owns the single per-peer
// lock spec §5 requires, the failed flag, and the command surface of
// spec §6.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/JohnKim04/blockchain-paxos/config"
	"github.com/JohnKim04/blockchain-paxos/internal/ledger"
	"github.com/JohnKim04/blockchain-paxos/internal/log"
	"github.com/JohnKim04/blockchain-paxos/internal/messenger"
	"github.com/JohnKim04/blockchain-paxos/internal/paxos"
	"github.com/JohnKim04/blockchain-paxos/internal/recovery"
	"github.com/JohnKim04/blockchain-paxos/internal/storage"
	"github.com/JohnKim04/blockchain-paxos/pkg/block"
	"github.com/JohnKim04/blockchain-paxos/pkg/ledgerhash"
)

// Command-surface errors, returned to the caller (cmd/ledgerd's REPL) for
// console display; they never cross a peer-to-peer boundary.
var (
	ErrPeerFailed = errors.New("local peer is marked failed")
)

// Peer is one roster member's full stack. Every method that mutates shared
// state (mu, failed, store, the Paxos instance, the syncer's buffer) takes
// mu first; the transport-facing methods below (Broadcast, SendTo, Decide,
// Depth, IsActive, Chain, InitialBalances, Adopt) assume the caller already
// holds it and must never lock internally, or the single-lock discipline
// spec §5 requires would deadlock on self-delivery.
type Peer struct {
	id     string
	roster config.Roster
	timing config.Timing

	mu     sync.Mutex
	failed bool

	store     *ledger.Store
	paxosInst *paxos.Instance
	msgr      *messenger.Messenger
	syncer    *recovery.Syncer

	mineCancel context.CancelFunc
}

// New builds a Peer for id, loading/persisting state at statePath and
// listening per roster[id]'s address. It does not start the listener;
// call Start for that.
func New(id string, roster config.Roster, timing config.Timing, statePath string, db storage.DB) (*Peer, error) {
	p := &Peer{id: id, roster: roster, timing: timing}
	p.store = ledger.New(id, statePath, roster, db)

	inst, err := paxos.New(id, p, &p.mu, timing.RetryTimeout)
	if err != nil {
		return nil, fmt.Errorf("new paxos instance: %w", err)
	}
	p.paxosInst = inst
	p.syncer = recovery.New(id, p, timing.SyncWindow)
	p.msgr = messenger.New(id, roster, timing.SendDelay, p)
	return p, nil
}

// Start reloads persisted state and binds the listener.
func (p *Peer) Start() error {
	if err := p.store.Reload(); err != nil {
		log.Node.Warn().Err(err).Msg("reload on startup failed, starting from genesis")
	}
	for _, blk := range p.store.Chain() {
		p.paxosInst.MarkDecided(blk.Hash)
	}
	return p.msgr.Listen()
}

// Stop shuts down the listener.
func (p *Peer) Stop() error {
	return p.msgr.Close()
}

// ---- paxos.Transport ----

func (p *Peer) Broadcast(msg any) error          { return p.msgr.Broadcast(msg) }
func (p *Peer) SendTo(target string, msg any) error { return p.msgr.Send(target, msg) }
func (p *Peer) Depth() int                       { return p.store.Depth() }
func (p *Peer) IsActive() bool                   { return !p.failed }

func (p *Peer) Decide(blk *block.Block) error {
	if err := p.store.Commit(blk); err != nil {
		return fmt.Errorf("commit decided block: %w", err)
	}
	if err := p.store.Persist(); err != nil {
		return fmt.Errorf("persist after commit: %w", err)
	}
	return nil
}

// ---- recovery.Transport ----

func (p *Peer) Chain() []*block.Block                { return p.store.Chain() }
func (p *Peer) InitialBalances() map[string]int64    { return p.store.InitialBalances() }

func (p *Peer) Adopt(chain []*block.Block, balances map[string]int64) error {
	if err := p.store.Adopt(chain, balances); err != nil {
		return fmt.Errorf("adopt synced chain: %w", err)
	}
	for _, blk := range chain {
		p.paxosInst.MarkDecided(blk.Hash)
	}
	return nil
}

// ---- messenger.Dispatcher ----

// Dispatch parses raw by msgType and routes it to the Paxos instance or the
// recovery syncer, holding mu for the duration (spec §5's single-lock
// discipline: every inbound handler executes atomically).
func (p *Peer) Dispatch(raw json.RawMessage, msgType string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failed {
		return
	}

	switch msgType {
	case paxos.TypePrepare:
		var m paxos.Prepare
		if err := json.Unmarshal(raw, &m); err != nil {
			log.Messenger.Warn().Err(err).Msg("malformed PREPARE")
			return
		}
		p.paxosInst.OnPrepare(m.Sender, m.Ballot)
	case paxos.TypePromise:
		var m paxos.Promise
		if err := json.Unmarshal(raw, &m); err != nil {
			log.Messenger.Warn().Err(err).Msg("malformed PROMISE")
			return
		}
		p.paxosInst.OnPromise(m.Sender, m.Ballot, m.AcceptedBallot, m.AcceptedVal)
	case paxos.TypeAccept:
		var m paxos.Accept
		if err := json.Unmarshal(raw, &m); err != nil {
			log.Messenger.Warn().Err(err).Msg("malformed ACCEPT")
			return
		}
		p.paxosInst.OnAccept(m.Sender, m.Ballot, m.Val)
	case paxos.TypeAccepted:
		var m paxos.Accepted
		if err := json.Unmarshal(raw, &m); err != nil {
			log.Messenger.Warn().Err(err).Msg("malformed ACCEPTED")
			return
		}
		p.paxosInst.OnAccepted(m.Sender, m.Ballot, m.Val)
	case paxos.TypeDecide:
		var m paxos.Decide
		if err := json.Unmarshal(raw, &m); err != nil {
			log.Messenger.Warn().Err(err).Msg("malformed DECIDE")
			return
		}
		p.paxosInst.OnDecide(m.Val)
	case recovery.TypeRequestBlockchain:
		var m recovery.RequestBlockchain
		if err := json.Unmarshal(raw, &m); err != nil {
			log.Messenger.Warn().Err(err).Msg("malformed REQUEST_BLOCKCHAIN")
			return
		}
		resp := recovery.HandleRequest(p.id, p.store.Chain(), p.store.Balances())
		if err := p.msgr.Send(m.Sender, resp); err != nil {
			log.Messenger.Warn().Err(err).Str("target", m.Sender).Msg("send BLOCKCHAIN_RESPONSE failed")
		}
	case recovery.TypeBlockchainResponse:
		var m recovery.BlockchainResponse
		if err := json.Unmarshal(raw, &m); err != nil {
			log.Messenger.Warn().Err(err).Msg("malformed BLOCKCHAIN_RESPONSE")
			return
		}
		p.syncer.HandleResponse(m)
	default:
		log.Messenger.Warn().Str("type", msgType).Msg("unknown message type, dropped")
	}
}

// ---- command surface (spec §6) ----

// MoneyTransfer builds a candidate block (self -> dest, amt), mines its
// proof-of-work nonce, and starts Paxos on it. Mining runs without holding
// mu so FailProcess can cancel it (a supplement over the original's
// uninterruptible calculate_nonce, see SPEC_FULL.md).
func (p *Peer) MoneyTransfer(dest string, amt int64) error {
	p.mu.Lock()
	if p.failed {
		p.mu.Unlock()
		return ErrPeerFailed
	}
	if p.store.Balances()[p.id] < amt {
		p.mu.Unlock()
		return fmt.Errorf("moneyTransfer: %w", ledger.ErrInsufficientFunds)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.mineCancel = cancel
	p.mu.Unlock()

	nonce, err := ledgerhash.Mine(ctx, p.id, dest, amt)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Node.Info().Msg("mining cancelled by failProcess")
			return nil
		}
		return fmt.Errorf("mine nonce: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.mineCancel = nil
	if p.failed {
		return ErrPeerFailed
	}
	blk, err := p.store.CreateBlock(dest, amt, nonce)
	if err != nil {
		return err
	}
	p.paxosInst.Propose(blk)
	return nil
}

// FailProcess sets failed = true, drops the messenger's outgoing/incoming
// traffic, cancels any in-flight proposer state, and cancels any in-flight
// mining (spec §5).
func (p *Peer) FailProcess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = true
	p.msgr.SetFailed(true)
	p.paxosInst.CancelProposal()
	if p.mineCancel != nil {
		p.mineCancel()
		p.mineCancel = nil
	}
}

// FixProcess sets failed = false, reloads persisted state, and — after the
// configured settle delay — triggers the recovery sync protocol.
func (p *Peer) FixProcess() {
	p.mu.Lock()
	p.failed = false
	p.msgr.SetFailed(false)
	if err := p.store.Reload(); err != nil {
		log.Node.Warn().Err(err).Msg("reload on fixProcess failed")
	} else {
		for _, blk := range p.store.Chain() {
			p.paxosInst.MarkDecided(blk.Hash)
		}
	}
	p.mu.Unlock()

	scheduleSettle(p.timing.SyncSettle, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.syncer.StartSync(&p.mu)
	})
}

// PrintBlockchain returns the local chain for console display.
func (p *Peer) PrintBlockchain() []*block.Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store.Chain()
}

// PrintBalance returns the local balance table for console display.
func (p *Peer) PrintBalance() map[string]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store.Balances()
}
