// Package block defines the transfer block type and its structural
// invariants.
package block

import (
	"errors"
	"fmt"

	"github.com/JohnKim04/blockchain-paxos/pkg/ledgerhash"
)

// Validation errors.
var (
	ErrBadPrevHash = errors.New("block prev_hash does not match chain tip")
	ErrBadHash     = errors.New("block hash does not match its fields")
	ErrBadPoW      = errors.New("block nonce does not satisfy proof of work")
)

// Block is one committed transfer: sender pays amount to receiver, linked
// into the chain via prev_hash.
type Block struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Amount   int64  `json:"amount"`
	Nonce    string `json:"nonce"`
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

// New builds a Block with its Hash field computed from the other fields.
// The caller is responsible for having mined Nonce against the
// four-field proof-of-work digest before calling New.
func New(sender, receiver string, amount int64, nonce, prevHash string) *Block {
	b := &Block{
		Sender:   sender,
		Receiver: receiver,
		Amount:   amount,
		Nonce:    nonce,
		PrevHash: prevHash,
	}
	b.Hash = b.ComputeHash()
	return b
}

// digestInput returns sender||receiver||decimal(amount)||nonce||prev_hash,
// the concatenation the block hash is defined over.
func (b *Block) digestInput() string {
	return fmt.Sprintf("%s%s%d%s%s", b.Sender, b.Receiver, b.Amount, b.Nonce, b.PrevHash)
}

// ComputeHash recomputes the block's hash from its other fields.
func (b *Block) ComputeHash() string {
	return ledgerhash.Hash(b.digestInput())
}

// PowDigest returns the proof-of-work digest for this block's transfer,
// which excludes PrevHash. This is a different hash than Hash and must be
// verified independently.
func (b *Block) PowDigest() string {
	return ledgerhash.PowHex(b.Sender, b.Receiver, b.Amount, b.Nonce)
}

// Validate checks the three structural invariants every block must satisfy
// regardless of where it is checked from (chain store commit, or recovery's
// from-genesis replay): prev_hash linkage against want, hash well-formedness,
// and proof-of-work validity. Centralizing these here means the chain store
// and the recovery validator share one code path instead of duplicating
// these checks.
func (b *Block) Validate(wantPrevHash string) error {
	if b.PrevHash != wantPrevHash {
		return fmt.Errorf("%w: got %s, want %s", ErrBadPrevHash, b.PrevHash, wantPrevHash)
	}
	if b.Hash != b.ComputeHash() {
		return fmt.Errorf("%w: got %s, want %s", ErrBadHash, b.Hash, b.ComputeHash())
	}
	if !ledgerhash.PowOK(b.PowDigest()) {
		return fmt.Errorf("%w: digest %s", ErrBadPoW, b.PowDigest())
	}
	return nil
}
