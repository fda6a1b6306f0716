package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/JohnKim04/blockchain-paxos/config"
	"github.com/JohnKim04/blockchain-paxos/pkg/block"
	"github.com/JohnKim04/blockchain-paxos/pkg/ledgerhash"
)

type fakeTransport struct {
	mu       sync.Mutex
	chain    []*block.Block
	balances map[string]int64
	sent     []any
}

func (f *fakeTransport) Broadcast(msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}
func (f *fakeTransport) Depth() int { f.mu.Lock(); defer f.mu.Unlock(); return len(f.chain) }
func (f *fakeTransport) Chain() []*block.Block {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chain
}
func (f *fakeTransport) InitialBalances() map[string]int64 {
	return map[string]int64{"1": 100, "2": 100, "3": 100, "4": 100, "5": 100}
}
func (f *fakeTransport) Adopt(chain []*block.Block, balances map[string]int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chain = chain
	f.balances = balances
	return nil
}

func mustMine(t *testing.T, sender, receiver string, amount int64, prevHash string) *block.Block {
	t.Helper()
	nonce, err := ledgerhash.Mine(context.Background(), sender, receiver, amount)
	if err != nil {
		t.Fatalf("Mine: %v", err)
	}
	return block.New(sender, receiver, amount, nonce, prevHash)
}

func TestSyncAdoptsLongestValidChain(t *testing.T) {
	ft := &fakeTransport{}
	s := New("1", ft, 20*time.Millisecond)
	var guard sync.Mutex

	guard.Lock()
	s.StartSync(&guard)
	guard.Unlock()

	b1 := mustMine(t, "1", "2", 30, config.GenesisPrevHash)
	b2 := mustMine(t, "2", "3", 10, b1.Hash)

	guard.Lock()
	s.HandleResponse(BlockchainResponse{Type: TypeBlockchainResponse, Sender: "2", Chain: []*block.Block{b1, b2}, BalanceTable: map[string]int64{}})
	guard.Unlock()

	time.Sleep(60 * time.Millisecond)

	guard.Lock()
	defer guard.Unlock()
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.chain) != 2 {
		t.Fatalf("chain length after sync = %d, want 2", len(ft.chain))
	}
	if ft.balances["2"] != 120 {
		t.Fatalf("balances after sync = %v", ft.balances)
	}
}

func TestSyncRejectsInvalidCandidate(t *testing.T) {
	ft := &fakeTransport{}
	s := New("1", ft, 20*time.Millisecond)
	var guard sync.Mutex

	guard.Lock()
	s.StartSync(&guard)
	guard.Unlock()

	bad := mustMine(t, "1", "2", 30, config.GenesisPrevHash)
	bad.Amount = 999 // tamper, breaks hash well-formedness

	guard.Lock()
	s.HandleResponse(BlockchainResponse{Type: TypeBlockchainResponse, Sender: "2", Chain: []*block.Block{bad}})
	guard.Unlock()

	time.Sleep(60 * time.Millisecond)

	guard.Lock()
	defer guard.Unlock()
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.chain) != 0 {
		t.Fatalf("chain length after rejecting invalid candidate = %d, want 0", len(ft.chain))
	}
}

func TestSyncTiesKeepCurrentChain(t *testing.T) {
	b1 := mustMine(t, "1", "2", 30, config.GenesisPrevHash)
	ft := &fakeTransport{chain: []*block.Block{b1}, balances: map[string]int64{"1": 70, "2": 130, "3": 100, "4": 100, "5": 100}}
	s := New("1", ft, 20*time.Millisecond)
	var guard sync.Mutex

	guard.Lock()
	s.StartSync(&guard)
	guard.Unlock()

	// Candidate has the same length as local; must not be adopted.
	guard.Lock()
	s.HandleResponse(BlockchainResponse{Type: TypeBlockchainResponse, Sender: "2", Chain: []*block.Block{b1}})
	guard.Unlock()

	time.Sleep(60 * time.Millisecond)

	guard.Lock()
	defer guard.Unlock()
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.balances["1"] != 70 {
		t.Fatalf("tie should keep current balances, got %v", ft.balances)
	}
}

func TestOpportunisticCatchUpOutsideWindow(t *testing.T) {
	ft := &fakeTransport{}
	s := New("1", ft, 20*time.Millisecond)

	b1 := mustMine(t, "1", "2", 30, config.GenesisPrevHash)
	s.HandleResponse(BlockchainResponse{Type: TypeBlockchainResponse, Sender: "2", Chain: []*block.Block{b1}})

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.chain) != 1 {
		t.Fatalf("opportunistic catch-up: chain length = %d, want 1", len(ft.chain))
	}
}
