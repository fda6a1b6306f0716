// Package ledgerhash implements the hash and proof-of-work primitives
// shared by the block type, the chain store, and the recovery validator.
package ledgerhash

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// nonceAlphabet is the character set mine draws 8-character nonces from.
const nonceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

const nonceLen = 8

// Hash returns the lowercase 64-hex-char SHA-256 digest of the UTF-8 bytes
// of s.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// PowOK reports whether h's proof-of-work predicate holds: its final hex
// character is in {0,1,2,3,4}.
func PowOK(h string) bool {
	if h == "" {
		return false
	}
	switch h[len(h)-1] {
	case '0', '1', '2', '3', '4':
		return true
	default:
		return false
	}
}

// txDigestInput builds the four-field transaction concatenation the
// proof-of-work digest is computed over (sender, receiver, decimal amount,
// nonce), excluding prev_hash.
func txDigestInput(sender, receiver string, amount int64, nonce string) string {
	return sender + receiver + strconv.FormatInt(amount, 10) + nonce
}

// PowHex returns the proof-of-work digest for the given transfer and nonce.
// This is distinct from the block's own hash, which additionally folds in
// prev_hash.
func PowHex(sender, receiver string, amount int64, nonce string) string {
	return Hash(txDigestInput(sender, receiver, amount, nonce))
}

// randomNonce draws an 8-character nonce uniformly from nonceAlphabet.
func randomNonce() (string, error) {
	// Bytes at or above the largest multiple of the alphabet size are
	// rejected, so the modulo below does not favour any character.
	limit := 256 - 256%len(nonceAlphabet)
	buf := make([]byte, nonceLen)
	out := make([]byte, 0, nonceLen)
	for len(out) < nonceLen {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) < limit && len(out) < nonceLen {
				out = append(out, nonceAlphabet[int(b)%len(nonceAlphabet)])
			}
		}
	}
	return string(out), nil
}

// Mine repeatedly draws random nonces until one satisfies the proof-of-work
// predicate on PowHex(sender, receiver, amount, nonce), returning that
// nonce. Termination is probabilistic; expected trials are about 3.2 given
// the 5/16 acceptance rate of PowOK.
//
// Mine checks ctx between draws and returns ctx.Err() if it is cancelled
// before a valid nonce is found, so a pending transfer can be interrupted
// (e.g. by failProcess) instead of blocking the caller indefinitely.
func Mine(ctx context.Context, sender, receiver string, amount int64) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		nonce, err := randomNonce()
		if err != nil {
			return "", err
		}
		if PowOK(PowHex(sender, receiver, amount, nonce)) {
			return nonce, nil
		}
	}
}
