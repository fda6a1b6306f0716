package main

import (
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/JohnKim04/blockchain-paxos/config"
	"github.com/JohnKim04/blockchain-paxos/internal/peer"
)

// testPeer boots a single in-process peer with a roster that has no other
// live listeners, so Paxos rounds never reach quorum and a moneyTransfer
// never commits while the test runs.
func testPeer(t *testing.T, basePort int) *peer.Peer {
	t.Helper()
	roster := config.Roster{}
	for i := 1; i <= config.NumPeers; i++ {
		roster[strconv.Itoa(i)] = config.PeerAddr{IP: "127.0.0.1", Port: basePort + i}
	}
	timing := config.Timing{
		SendDelay:    time.Millisecond,
		RetryTimeout: time.Hour,
		SyncSettle:   time.Millisecond,
		SyncWindow:   40 * time.Millisecond,
	}
	path := filepath.Join(t.TempDir(), "state_node_1.json")
	p, err := peer.New("1", roster, timing, path, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { p.Stop() })
	return p
}

// TestDispatchMoneyTransferDoesNotBlockCommandLoop exercises the fix for the
// command loop formerly serializing commands behind an in-flight mine: a
// moneyTransfer line must return control to the loop immediately so a
// following failProcess line is never stuck behind it.
func TestDispatchMoneyTransferDoesNotBlockCommandLoop(t *testing.T) {
	p := testPeer(t, 20500)

	start := time.Now()
	if !dispatchCommand(p, "moneyTransfer 2 30") {
		t.Fatal("dispatchCommand(moneyTransfer) returned false")
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("dispatchCommand(moneyTransfer) took %v, want it to return immediately and mine in the background", elapsed)
	}

	start = time.Now()
	if !dispatchCommand(p, "failProcess") {
		t.Fatal("dispatchCommand(failProcess) returned false")
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("dispatchCommand(failProcess) took %v, want it to run concurrently with the in-flight mine", elapsed)
	}
}

func TestDispatchUnknownCommandKeepsLoopRunning(t *testing.T) {
	p := testPeer(t, 20600)
	if !dispatchCommand(p, "doSomethingUnknown") {
		t.Fatal("dispatchCommand(unknown) returned false, want true")
	}
}

func TestDispatchExitStopsLoop(t *testing.T) {
	p := testPeer(t, 20700)
	if dispatchCommand(p, "exit") {
		t.Fatal("dispatchCommand(exit) returned true, want false")
	}
}
