// Package config handles roster loading and runtime tuning for the ledger
// node.
//
// The roster (config.json) is the static address book described in spec
// §6: a mapping from peer-id string to {ip, port}, loaded once at startup
// and identical across all five peers.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"
)

// PeerAddr is one roster entry: the network address a peer listens on.
type PeerAddr struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// Addr returns the "ip:port" dial string for this peer.
func (p PeerAddr) Addr() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

// Roster is the fixed peer directory, keyed by peer-id string ("1".."5").
type Roster map[string]PeerAddr

// LoadRoster reads and parses the roster file at path.
func LoadRoster(path string) (Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster %s: %w", path, err)
	}
	var r Roster
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse roster %s: %w", path, err)
	}
	return r, nil
}

// PeerIDs returns every peer id in the roster except self, in sorted order.
func (r Roster) PeerIDs(except string) []string {
	out := make([]string, 0, len(r))
	for id := range r {
		if id != except {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Timing holds the tunable delays and timeouts described in §4.3–§4.5.
// These are exposed as a struct (rather than baked-in constants) per the
// spec's design note that timers should be configurable.
type Timing struct {
	// SendDelay is the simulated one-way network delay applied to every
	// outgoing message before it is written to the wire.
	SendDelay time.Duration
	// RetryTimeout is how long a proposer waits for consensus before
	// re-proposing with a higher seq.
	RetryTimeout time.Duration
	// SyncSettle is how long a peer waits after fixProcess before
	// requesting peer chains, to let its own listener come back up.
	SyncSettle time.Duration
	// SyncWindow is how long a peer collects BLOCKCHAIN_RESPONSE messages
	// before picking the longest valid candidate.
	SyncWindow time.Duration
}

// Environment variable names that override the corresponding Timing field
// in DefaultTiming, each parsed as a time.ParseDuration string (e.g. "3s").
// An unset or unparseable variable is ignored and the constant stands.
const (
	envSendDelay    = "LEDGER_SEND_DELAY"
	envRetryTimeout = "LEDGER_RETRY_TIMEOUT"
	envSyncSettle   = "LEDGER_SYNC_SETTLE"
	envSyncWindow   = "LEDGER_SYNC_WINDOW"
)

// DefaultTiming returns the timing constants named in spec §4.3–§4.5,
// overridden by whichever of LEDGER_SEND_DELAY/LEDGER_RETRY_TIMEOUT/
// LEDGER_SYNC_SETTLE/LEDGER_SYNC_WINDOW are present in the environment.
func DefaultTiming() Timing {
	t := Timing{
		SendDelay:    defaultSendDelay,
		RetryTimeout: defaultRetryTimeout,
		SyncSettle:   defaultSyncSettle,
		SyncWindow:   defaultSyncWindow,
	}
	overrideDuration(envSendDelay, &t.SendDelay)
	overrideDuration(envRetryTimeout, &t.RetryTimeout)
	overrideDuration(envSyncSettle, &t.SyncSettle)
	overrideDuration(envSyncWindow, &t.SyncWindow)
	return t
}

// overrideDuration sets *dst from the environment variable env if it is set
// and parses as a duration, leaving *dst untouched otherwise.
func overrideDuration(env string, dst *time.Duration) {
	v, ok := os.LookupEnv(env)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return
	}
	*dst = d
}
