// Package recovery implements the longest-chain sync protocol that
// restores a peer after it transitions from failed back to live (spec
// §4.5).
package recovery

import (
	"sync"
	"time"

	"github.com/JohnKim04/blockchain-paxos/internal/ledger"
	"github.com/JohnKim04/blockchain-paxos/internal/log"
	"github.com/JohnKim04/blockchain-paxos/pkg/block"
)

// Message type tags.
const (
	TypeRequestBlockchain  = "REQUEST_BLOCKCHAIN"
	TypeBlockchainResponse = "BLOCKCHAIN_RESPONSE"
)

// RequestBlockchain asks every peer for their chain (spec §4.4).
type RequestBlockchain struct {
	Type    string `json:"type"`
	Sender  string `json:"sender"`
	MyDepth int    `json:"my_depth"`
}

// BlockchainResponse carries a candidate chain and a (not-trusted)
// balance-table hint back to the requester.
type BlockchainResponse struct {
	Type         string           `json:"type"`
	Sender       string           `json:"sender"`
	Chain        []*block.Block   `json:"chain"`
	BalanceTable map[string]int64 `json:"balance_table"`
}

// Transport is the small seam recovery needs from the messenger and chain
// store: broadcasting the request, reading the local chain depth, and
// adopting a winning candidate into the store.
type Transport interface {
	Broadcast(msg any) error
	Depth() int
	Chain() []*block.Block
	InitialBalances() map[string]int64
	Adopt(chain []*block.Block, balances map[string]int64) error
}

// Syncer drives the two entry points spec §4.5 describes: a full
// windowed sync after fixProcess, and opportunistic single-response
// catch-up outside a sync window.
type Syncer struct {
	selfID    string
	transport Transport
	window    time.Duration

	mu        sync.Mutex
	inWindow  bool
	responses []BlockchainResponse
}

// New creates a Syncer for selfID using transport and window as the
// response-collection duration (spec default 8s).
func New(selfID string, transport Transport, window time.Duration) *Syncer {
	return &Syncer{selfID: selfID, transport: transport, window: window}
}

// StartSync broadcasts REQUEST_BLOCKCHAIN and, after window elapses, picks
// the longest validated candidate chain. The window-close step runs under
// guard (the same discipline as internal/paxos's retry timer), so the
// adoption is serialized with every other handler. Call this after
// fixProcess's settle delay.
//
// guard must be the same per-peer lock internal/peer uses for every other
// mutation, per spec §5: the window-close callback runs on its own
// goroutine and must take the lock before touching shared state.
func (s *Syncer) StartSync(guard sync.Locker) {
	s.mu.Lock()
	s.inWindow = true
	s.responses = nil
	s.mu.Unlock()

	if err := s.transport.Broadcast(RequestBlockchain{
		Type:    TypeRequestBlockchain,
		Sender:  s.selfID,
		MyDepth: s.transport.Depth(),
	}); err != nil {
		log.Recovery.Warn().Err(err).Msg("broadcast REQUEST_BLOCKCHAIN failed")
	}

	time.AfterFunc(s.window, func() {
		guard.Lock()
		defer guard.Unlock()
		s.closeWindow()
	})
}

// HandleResponse processes one BLOCKCHAIN_RESPONSE. While a sync window is
// open it is buffered for closeWindow; otherwise it is validated and
// adopted immediately if longer than the local chain (opportunistic
// catch-up, spec §4.5's second entry point).
func (s *Syncer) HandleResponse(resp BlockchainResponse) {
	s.mu.Lock()
	if s.inWindow {
		s.responses = append(s.responses, resp)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if len(resp.Chain) <= s.transport.Depth() {
		return
	}
	balances, err := ledger.ReplayFromGenesis(resp.Chain, s.transport.InitialBalances())
	if err != nil {
		log.Recovery.Warn().Err(err).Str("from", resp.Sender).Msg("opportunistic candidate failed validation")
		return
	}
	log.Recovery.Info().Str("from", resp.Sender).Int("length", len(resp.Chain)).Msg("adopting longer chain opportunistically")
	if err := s.transport.Adopt(resp.Chain, balances); err != nil {
		log.Recovery.Warn().Err(err).Msg("adopt failed")
	}
}

// closeWindow filters buffered responses to those strictly longer than the
// local depth, validates each from genesis with a freshly replayed balance
// table (never trusting the candidate's balance_table hint), and adopts
// the longest validated candidate. Ties keep the current chain
// (deterministic, no silent swap).
func (s *Syncer) closeWindow() {
	s.mu.Lock()
	responses := s.responses
	s.inWindow = false
	s.responses = nil
	s.mu.Unlock()

	localDepth := s.transport.Depth()
	var bestChain []*block.Block
	var bestBalances map[string]int64
	bestLen := localDepth

	for _, resp := range responses {
		if len(resp.Chain) <= localDepth {
			continue
		}
		balances, err := ledger.ReplayFromGenesis(resp.Chain, s.transport.InitialBalances())
		if err != nil {
			log.Recovery.Warn().Err(err).Str("from", resp.Sender).Msg("sync candidate failed validation")
			continue
		}
		if len(resp.Chain) > bestLen {
			bestLen = len(resp.Chain)
			bestChain = resp.Chain
			bestBalances = balances
		}
	}

	if bestChain == nil {
		log.Recovery.Info().Int("responses", len(responses)).Msg("sync window closed, no longer valid chain found")
		return
	}

	log.Recovery.Info().Int("length", bestLen).Msg("sync adopting longest valid chain")
	if err := s.transport.Adopt(bestChain, bestBalances); err != nil {
		log.Recovery.Warn().Err(err).Msg("adopt failed")
	}
}

// HandleRequest builds the BLOCKCHAIN_RESPONSE a peer sends back in
// response to a REQUEST_BLOCKCHAIN.
func HandleRequest(selfID string, chain []*block.Block, balances map[string]int64) BlockchainResponse {
	return BlockchainResponse{
		Type:         TypeBlockchainResponse,
		Sender:       selfID,
		Chain:        chain,
		BalanceTable: balances,
	}
}
