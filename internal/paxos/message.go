package paxos

import "github.com/JohnKim04/blockchain-paxos/pkg/block"

// Message type tags, dispatched on by the messenger (spec §4.4).
const (
	TypePrepare  = "PREPARE"
	TypePromise  = "PROMISE"
	TypeAccept   = "ACCEPT"
	TypeAccepted = "ACCEPTED"
	TypeDecide   = "DECIDE"
)

// Prepare is phase 1a: proposer to every acceptor.
type Prepare struct {
	Type   string `json:"type"`
	Sender string `json:"sender"`
	Ballot Ballot `json:"ballot"`
}

// Promise is phase 1b: acceptor's reply to the proposer.
type Promise struct {
	Type           string       `json:"type"`
	Sender         string       `json:"sender"`
	Ballot         Ballot       `json:"ballot"`
	AcceptedBallot Ballot       `json:"accepted_ballot"`
	AcceptedVal    *block.Block `json:"accepted_val"`
}

// Accept is phase 2a: proposer to every acceptor, carrying the chosen value.
type Accept struct {
	Type   string       `json:"type"`
	Sender string       `json:"sender"`
	Ballot Ballot       `json:"ballot"`
	Val    *block.Block `json:"val"`
}

// Accepted is phase 2b: acceptor's ack to the proposer.
type Accepted struct {
	Type   string       `json:"type"`
	Sender string       `json:"sender"`
	Ballot Ballot       `json:"ballot"`
	Val    *block.Block `json:"val"`
}

// Decide announces the learned value to every peer.
type Decide struct {
	Type   string       `json:"type"`
	Sender string       `json:"sender"`
	Val    *block.Block `json:"val"`
}
