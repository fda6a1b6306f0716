// Package ledger implements the chain store: the ordered sequence of
// committed blocks plus the derived balance table, the spec's
// create_block/commit/persist/reload/depth/tip_hash operations.
package ledger

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/JohnKim04/blockchain-paxos/config"
	"github.com/JohnKim04/blockchain-paxos/internal/log"
	"github.com/JohnKim04/blockchain-paxos/internal/storage"
	"github.com/JohnKim04/blockchain-paxos/pkg/block"
)

// Commit/load errors.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrCorruptedState    = errors.New("corrupted persisted state")
)

// Badger key prefixes for the fast-path index. The flat snapshot file
// (State) remains the authoritative persisted format; these keys only
// accelerate height/balance lookups for the command surface and are
// rewritten from the snapshot on every Reload (rows for the current heights
// and balances are overwritten; keys beyond them are not deleted).
var (
	prefixBlock  = []byte("b/") // b/<height(8)> -> block JSON
	keyDepth     = []byte("s/depth")
	keyBalPrefix = []byte("s/bal/") // s/bal/<peer-id> -> int64 balance
)

// State is the JSON shape persisted to state_node_<id>.json (spec §6).
type State struct {
	Chain        []*block.Block   `json:"chain"`
	BalanceTable map[string]int64 `json:"balance_table"`
}

// Store holds one peer's chain, derived balance table, and optional
// Badger-backed fast path.
type Store struct {
	selfID string
	path   string
	db     storage.DB // may be nil; absence only disables the fast path

	chain    []*block.Block
	balances map[string]int64
	decided  map[string]struct{} // hashes already committed (idempotent commit)
}

// New creates a Store for selfID, persisting to path and optionally backed
// by db for the fast path. The balance table starts at the fixed roster's
// initial allocation (spec §3): every peer in roster maps to
// config.InitialBalance.
func New(selfID, path string, roster config.Roster, db storage.DB) *Store {
	balances := make(map[string]int64, len(roster))
	for id := range roster {
		balances[id] = config.InitialBalance
	}
	return &Store{
		selfID:   selfID,
		path:     path,
		db:       db,
		chain:    nil,
		balances: balances,
		decided:  make(map[string]struct{}),
	}
}

// Depth returns the current chain length.
func (s *Store) Depth() int {
	return len(s.chain)
}

// TipHash returns the last block's hash, or the genesis sentinel if the
// chain is empty.
func (s *Store) TipHash() string {
	if len(s.chain) == 0 {
		return config.GenesisPrevHash
	}
	return s.chain[len(s.chain)-1].Hash
}

// Balances returns a read-only snapshot of the balance table, served from
// the Badger fast path when one is attached and falling back to the
// in-memory table (always correct, since it is what Badger was built from)
// on any indexed read error.
func (s *Store) Balances() map[string]int64 {
	if s.db != nil {
		if bal, err := s.balancesFromIndex(); err == nil {
			return bal
		} else {
			log.Ledger.Warn().Err(err).Msg("badger balance read failed, serving in-memory table")
		}
	}
	out := make(map[string]int64, len(s.balances))
	for id, bal := range s.balances {
		out[id] = bal
	}
	return out
}

// InitialBalances returns the fixed roster's genesis allocation (every
// known peer-id mapped to config.InitialBalance), used to seed a
// from-genesis replay without trusting any persisted or peer-supplied
// balance hint.
func (s *Store) InitialBalances() map[string]int64 {
	return initialBalances(s.balances)
}

// Chain returns a read-only snapshot of the committed chain, served from
// the Badger fast path (one prefix scan over the block rows, ordered by
// height) when one is attached, falling back to the in-memory chain on any indexed read
// error — the command surface (printBlockchain) never sees the difference.
func (s *Store) Chain() []*block.Block {
	if s.db != nil {
		if chain, err := s.chainFromIndex(); err == nil {
			return chain
		} else {
			log.Ledger.Warn().Err(err).Msg("badger chain read failed, serving in-memory chain")
		}
	}
	out := make([]*block.Block, len(s.chain))
	copy(out, s.chain)
	return out
}

// CreateBlock builds a candidate block transferring amt from self to dest,
// pointed at the current tip, using nonce, which the caller has already
// mined. It does not append the block; the caller drives it through Paxos
// first.
func (s *Store) CreateBlock(dest string, amt int64, nonce string) (*block.Block, error) {
	if s.balances[s.selfID] < amt {
		return nil, fmt.Errorf("%w: balance %d < amount %d", ErrInsufficientFunds, s.balances[s.selfID], amt)
	}
	return block.New(s.selfID, dest, amt, nonce, s.TipHash()), nil
}

// Commit validates and appends blk. A block whose hash is already on the
// chain is a successful no-op (idempotent commit, required because DECIDE
// can be re-delivered by the messenger).
func (s *Store) Commit(blk *block.Block) error {
	if _, ok := s.decided[blk.Hash]; ok {
		return nil
	}
	for _, existing := range s.chain {
		if existing.Hash == blk.Hash {
			s.decided[blk.Hash] = struct{}{}
			return nil
		}
	}

	if err := blk.Validate(s.TipHash()); err != nil {
		return err
	}
	if s.balances[blk.Sender] < blk.Amount {
		return fmt.Errorf("%w: sender %s balance %d < amount %d", ErrInsufficientFunds, blk.Sender, s.balances[blk.Sender], blk.Amount)
	}

	s.chain = append(s.chain, blk)
	s.balances[blk.Sender] -= blk.Amount
	s.balances[blk.Receiver] += blk.Amount
	s.decided[blk.Hash] = struct{}{}
	return nil
}

// Persist atomically writes {chain, balance_table} to the snapshot file and
// refreshes the Badger fast-path index. I/O errors are returned to the
// caller, who logs and continues (persistence failures are non-fatal, spec
// §7).
func (s *Store) Persist() error {
	st := State{Chain: s.chain, BalanceTable: s.balances}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename temp state: %w", err)
	}

	if s.db != nil {
		if err := s.refreshIndex(); err != nil {
			log.Ledger.Warn().Err(err).Msg("badger index refresh failed, snapshot file is authoritative")
		}
	}
	return nil
}

// Reload restores chain+balances from the snapshot file, recomputing each
// block's hash and rejecting the whole file on mismatch (Open Question #1
// in spec §9, resolved as: reject and fall back to sync rather than
// partially load).
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil // No snapshot yet; fresh genesis state is fine.
	}
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("%w: unmarshal state: %v", ErrCorruptedState, err)
	}

	if err := validateChainFromGenesis(st.Chain); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptedState, err)
	}

	s.chain = st.Chain
	s.decided = make(map[string]struct{}, len(st.Chain))
	for _, blk := range st.Chain {
		s.decided[blk.Hash] = struct{}{}
	}
	// The derived balance table from replay is authoritative over the
	// persisted hint (spec §3), so ignore st.BalanceTable entirely.
	replayed, err := ReplayFromGenesis(st.Chain, initialBalances(s.balances))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptedState, err)
	}
	s.balances = replayed

	if s.db != nil {
		if err := s.refreshIndex(); err != nil {
			log.Ledger.Warn().Err(err).Msg("badger index refresh failed on reload")
		} else if err := s.crossCheckIndex(); err != nil {
			log.Ledger.Warn().Err(err).Msg("badger index inconsistent with snapshot, snapshot file is authoritative")
		}
	}
	return nil
}

// Adopt replaces the chain and balance table wholesale (recovery's
// longest-valid-chain adoption, spec §4.5) and persists. chain must already
// be validated by the caller.
func (s *Store) Adopt(chain []*block.Block, balances map[string]int64) error {
	s.chain = chain
	s.balances = balances
	s.decided = make(map[string]struct{}, len(chain))
	for _, blk := range chain {
		s.decided[blk.Hash] = struct{}{}
	}
	return s.Persist()
}

// initialBalances returns the fixed roster's genesis allocation, derived
// from the current balance map's key set (it never changes once the store
// is constructed).
func initialBalances(current map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(current))
	for id := range current {
		out[id] = config.InitialBalance
	}
	return out
}

// validateChainFromGenesis recomputes every block's hash and checks
// prev_hash linkage and PoW, without tracking balances (used on load; full
// balance replay happens separately via ReplayFromGenesis so both call
// sites share the non-negativity check).
func validateChainFromGenesis(chain []*block.Block) error {
	prev := config.GenesisPrevHash
	for i, blk := range chain {
		if err := blk.Validate(prev); err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
		prev = blk.Hash
	}
	return nil
}

// ReplayFromGenesis recomputes the balance table by applying chain in order
// against initial, never trusting any externally supplied balance hint
// (spec §3, §4.5). It returns an error if any block fails structural
// validation or would drive a sender negative.
func ReplayFromGenesis(chain []*block.Block, initial map[string]int64) (map[string]int64, error) {
	balances := make(map[string]int64, len(initial))
	for id, bal := range initial {
		balances[id] = bal
	}

	prev := config.GenesisPrevHash
	for i, blk := range chain {
		if err := blk.Validate(prev); err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		if balances[blk.Sender] < blk.Amount {
			return nil, fmt.Errorf("block %d: %w: sender %s balance %d < amount %d", i, ErrInsufficientFunds, blk.Sender, balances[blk.Sender], blk.Amount)
		}
		balances[blk.Sender] -= blk.Amount
		balances[blk.Receiver] += blk.Amount
		prev = blk.Hash
	}
	return balances, nil
}

// refreshIndex writes the in-memory chain and balance table into the
// Badger-backed lookup index, overwriting existing rows; keys it does not
// write are left in place. A missing or failed Badger directory is never
// fatal: the snapshot file is always the source of truth.
func (s *Store) refreshIndex() error {
	for i, blk := range s.chain {
		data, err := json.Marshal(blk)
		if err != nil {
			return fmt.Errorf("marshal block %d: %w", i, err)
		}
		if err := s.db.Put(heightKey(uint64(i)), data); err != nil {
			return fmt.Errorf("put block %d: %w", i, err)
		}
	}
	var depthBuf [8]byte
	binary.BigEndian.PutUint64(depthBuf[:], uint64(len(s.chain)))
	if err := s.db.Put(keyDepth, depthBuf[:]); err != nil {
		return fmt.Errorf("put depth: %w", err)
	}
	for id, bal := range s.balances {
		var balBuf [8]byte
		binary.BigEndian.PutUint64(balBuf[:], uint64(bal))
		if err := s.db.Put(balanceKey(id), balBuf[:]); err != nil {
			return fmt.Errorf("put balance %s: %w", id, err)
		}
	}
	return nil
}

// chainFromIndex rebuilds the chain slice from the Badger fast path,
// decoding the height back out of each key so the result doesn't depend on
// Badger's (or MemoryDB's) iteration order.
func (s *Store) chainFromIndex() ([]*block.Block, error) {
	type row struct {
		height uint64
		blk    *block.Block
	}
	var rows []row
	err := s.db.ForEach(prefixBlock, func(key, value []byte) error {
		if len(key) != len(prefixBlock)+8 {
			return fmt.Errorf("malformed indexed block key %q", key)
		}
		var blk block.Block
		if err := json.Unmarshal(value, &blk); err != nil {
			return fmt.Errorf("unmarshal indexed block: %w", err)
		}
		rows = append(rows, row{height: binary.BigEndian.Uint64(key[len(prefixBlock):]), blk: &blk})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(rows) != len(s.chain) {
		return nil, fmt.Errorf("indexed block count %d != chain depth %d", len(rows), len(s.chain))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].height < rows[j].height })
	out := make([]*block.Block, len(rows))
	for i, r := range rows {
		out[i] = r.blk
	}
	return out, nil
}

// balancesFromIndex rebuilds the balance table from the Badger fast path.
// It errors (triggering the in-memory fallback in Balances) if the indexed
// row count doesn't match the known roster size, rather than silently
// serving a partial table.
func (s *Store) balancesFromIndex() (map[string]int64, error) {
	out := make(map[string]int64, len(s.balances))
	err := s.db.ForEach(keyBalPrefix, func(key, value []byte) error {
		if len(value) != 8 {
			return fmt.Errorf("malformed indexed balance value for %q", key)
		}
		id := string(key[len(keyBalPrefix):])
		out[id] = int64(binary.BigEndian.Uint64(value))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) != len(s.balances) {
		return nil, fmt.Errorf("indexed balance count %d != roster size %d", len(out), len(s.balances))
	}
	return out, nil
}

// crossCheckIndex re-reads the just-refreshed Badger index and compares its
// row counts against the in-memory (JSON-derived) chain and balance table.
// A mismatch is only ever logged by the caller; the JSON snapshot always
// wins (spec §4.2's idempotent-reload contract).
func (s *Store) crossCheckIndex() error {
	var blockRows int
	if err := s.db.ForEach(prefixBlock, func(key, value []byte) error {
		blockRows++
		return nil
	}); err != nil {
		return fmt.Errorf("count indexed blocks: %w", err)
	}
	if blockRows != len(s.chain) {
		return fmt.Errorf("indexed block count %d != chain depth %d", blockRows, len(s.chain))
	}

	var balRows int
	if err := s.db.ForEach(keyBalPrefix, func(key, value []byte) error {
		balRows++
		return nil
	}); err != nil {
		return fmt.Errorf("count indexed balances: %w", err)
	}
	if balRows != len(s.balances) {
		return fmt.Errorf("indexed balance count %d != balance table size %d", balRows, len(s.balances))
	}
	return nil
}

func heightKey(height uint64) []byte {
	key := make([]byte, len(prefixBlock)+8)
	copy(key, prefixBlock)
	binary.BigEndian.PutUint64(key[len(prefixBlock):], height)
	return key
}

func balanceKey(peerID string) []byte {
	return append(append([]byte{}, keyBalPrefix...), []byte(peerID)...)
}
