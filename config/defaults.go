package config

import (
	"strings"
	"time"
)

// Protocol constants from spec §3 and §5. These are consensus-relevant
// (every peer must agree) and are therefore not operator-tunable, unlike
// the Timing values in config.go.
const (
	// NumPeers is the fixed roster size (spec §2: "Five peers P1…P5").
	NumPeers = 5
	// Majority is the strict quorum size, floor(NumPeers/2)+1.
	Majority = NumPeers/2 + 1
	// InitialBalance is every roster peer's starting balance (spec §3).
	InitialBalance = 100
)

// GenesisPrevHash is the 64-zero-hex sentinel prev_hash for B_0 (spec §3).
var GenesisPrevHash = strings.Repeat("0", 64)

// Default one-way-delay-derived timing constants (spec §4.3–§4.5).
// 20s retry is "comfortably above 2x RTT" at a 3s one-way delay; 8s sync
// window is "a full round-trip plus margin" at the same delay.
const (
	defaultSendDelay    = 3 * time.Second
	defaultRetryTimeout = 20 * time.Second
	defaultSyncSettle   = 1 * time.Second
	defaultSyncWindow   = 8 * time.Second
)
