package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func sampleRoster() Roster {
	return Roster{
		"1": {IP: "127.0.0.1", Port: 9001},
		"2": {IP: "127.0.0.1", Port: 9002},
		"3": {IP: "127.0.0.1", Port: 9003},
		"4": {IP: "127.0.0.1", Port: 9004},
		"5": {IP: "127.0.0.1", Port: 9005},
	}
}

func TestPeerAddrAddr(t *testing.T) {
	p := PeerAddr{IP: "10.0.0.1", Port: 8080}
	if got, want := p.Addr(), "10.0.0.1:8080"; got != want {
		t.Fatalf("Addr() = %q, want %q", got, want)
	}
}

func TestLoadRoster(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	data, err := json.Marshal(sampleRoster())
	if err != nil {
		t.Fatalf("marshal roster: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write roster: %v", err)
	}

	r, err := LoadRoster(path)
	if err != nil {
		t.Fatalf("LoadRoster: %v", err)
	}
	if len(r) != NumPeers {
		t.Fatalf("LoadRoster: got %d peers, want %d", len(r), NumPeers)
	}
	if r["3"].Port != 9003 {
		t.Fatalf("LoadRoster: peer 3 port = %d, want 9003", r["3"].Port)
	}
}

func TestLoadRosterMissingFile(t *testing.T) {
	if _, err := LoadRoster("/nonexistent/config.json"); err == nil {
		t.Fatal("LoadRoster: expected error for missing file")
	}
}

func TestPeerIDsExcludesSelfAndSorts(t *testing.T) {
	r := sampleRoster()
	got := r.PeerIDs("3")
	want := []string{"1", "2", "4", "5"}
	if len(got) != len(want) {
		t.Fatalf("PeerIDs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("PeerIDs = %v, want %v", got, want)
		}
	}
}

func TestDefaultTiming(t *testing.T) {
	tm := DefaultTiming()
	if tm.SendDelay != defaultSendDelay {
		t.Errorf("SendDelay = %v, want %v", tm.SendDelay, defaultSendDelay)
	}
	if tm.RetryTimeout != defaultRetryTimeout {
		t.Errorf("RetryTimeout = %v, want %v", tm.RetryTimeout, defaultRetryTimeout)
	}
	if tm.SyncSettle != defaultSyncSettle {
		t.Errorf("SyncSettle = %v, want %v", tm.SyncSettle, defaultSyncSettle)
	}
	if tm.SyncWindow != defaultSyncWindow {
		t.Errorf("SyncWindow = %v, want %v", tm.SyncWindow, defaultSyncWindow)
	}
}

func TestDefaultTimingEnvOverride(t *testing.T) {
	t.Setenv(envSendDelay, "7ms")
	t.Setenv(envRetryTimeout, "")
	t.Setenv(envSyncWindow, "not-a-duration")

	tm := DefaultTiming()
	if tm.SendDelay != 7*time.Millisecond {
		t.Errorf("SendDelay = %v, want 7ms", tm.SendDelay)
	}
	if tm.RetryTimeout != defaultRetryTimeout {
		t.Errorf("RetryTimeout = %v, want default %v for an empty override", tm.RetryTimeout, defaultRetryTimeout)
	}
	if tm.SyncWindow != defaultSyncWindow {
		t.Errorf("SyncWindow = %v, want default %v for an unparseable override", tm.SyncWindow, defaultSyncWindow)
	}
	if tm.SyncSettle != defaultSyncSettle {
		t.Errorf("SyncSettle = %v, want untouched default %v", tm.SyncSettle, defaultSyncSettle)
	}
}
