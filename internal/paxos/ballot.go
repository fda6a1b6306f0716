package paxos

import (
	"encoding/json"
	"fmt"
)

// Ballot is the triple (seq, proposer_id, slot_depth) spec §3 defines for
// ordering Paxos rounds. Total order is lexicographic with Depth as most
// significant, then Seq, then ProposerID.
type Ballot struct {
	Seq        int
	ProposerID int
	Depth      int
}

// NoBallot is the sentinel "no ballot" value, which compares strictly less
// than any real ballot.
var NoBallot = Ballot{Seq: -1, ProposerID: -1, Depth: -1}

// Less reports whether b sorts strictly before other.
func (b Ballot) Less(other Ballot) bool {
	if b.Depth != other.Depth {
		return b.Depth < other.Depth
	}
	if b.Seq != other.Seq {
		return b.Seq < other.Seq
	}
	return b.ProposerID < other.ProposerID
}

// Greater reports whether b sorts strictly after other.
func (b Ballot) Greater(other Ballot) bool {
	return other.Less(b)
}

// GreaterOrEqual reports whether b sorts after or equal to other.
func (b Ballot) GreaterOrEqual(other Ballot) bool {
	return !b.Less(other)
}

func (b Ballot) String() string {
	return fmt.Sprintf("(%d,%d,%d)", b.Seq, b.ProposerID, b.Depth)
}

// MarshalJSON encodes a Ballot as the wire schema's 3-element integer array
// [seq, proposer_id, depth] (spec §4.4).
func (b Ballot) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]int{b.Seq, b.ProposerID, b.Depth})
}

// UnmarshalJSON decodes a Ballot from a 3-element integer array.
func (b *Ballot) UnmarshalJSON(data []byte) error {
	var arr [3]int
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	b.Seq, b.ProposerID, b.Depth = arr[0], arr[1], arr[2]
	return nil
}
