package state

import (
	"encoding/binary"
	"sort"

	"github.com/phoreproject/sidechain/chainhash"
	"github.com/phoreproject/sidechain/csmt"
	"github.com/prysmaticlabs/go-ssz"
)

// State is the decrypted key-value state of a shard. Keys are hashes of the
// application level keys; values are opaque to this package.
//
// A state created with Fork records writes separately from its parent until
// Commit is called, so a failed operation can be discarded without touching
// the parent.
type State struct {
	Version uint64

	parent  *State
	entries map[chainhash.Hash][]byte
	deleted map[chainhash.Hash]struct{}
}

// NewState creates an empty state.
func NewState() *State {
	return &State{
		entries: make(map[chainhash.Hash][]byte),
		deleted: make(map[chainhash.Hash]struct{}),
	}
}

// Get gets the value for a key.
func (s *State) Get(key chainhash.Hash) ([]byte, bool) {
	if _, found := s.deleted[key]; found {
		return nil, false
	}
	if v, found := s.entries[key]; found {
		return v, true
	}
	if s.parent != nil {
		return s.parent.Get(key)
	}
	return nil, false
}

// Set sets the value for a key.
func (s *State) Set(key chainhash.Hash, value []byte) {
	delete(s.deleted, key)
	s.entries[key] = append([]byte(nil), value...)
}

// Delete removes a key.
func (s *State) Delete(key chainhash.Hash) {
	delete(s.entries, key)
	if s.parent != nil {
		s.deleted[key] = struct{}{}
	}
}

// Fork creates a child state that reads through to s.
func (s *State) Fork() *State {
	child := NewState()
	child.Version = s.Version
	child.parent = s
	return child
}

// Commit applies the writes of a forked state to its parent.
func (s *State) Commit() {
	if s.parent == nil {
		return
	}
	for k := range s.deleted {
		s.parent.Delete(k)
	}
	for k, v := range s.entries {
		s.parent.Set(k, v)
	}
	s.entries = make(map[chainhash.Hash][]byte)
	s.deleted = make(map[chainhash.Hash]struct{})
}

func (s *State) flatten() map[chainhash.Hash][]byte {
	var out map[chainhash.Hash][]byte
	if s.parent != nil {
		out = s.parent.flatten()
	} else {
		out = make(map[chainhash.Hash][]byte, len(s.entries))
	}
	for k := range s.deleted {
		delete(out, k)
	}
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// Len gets the number of keys in the state.
func (s *State) Len() int {
	return len(s.flatten())
}

// Hash gets the content hash of the state: the version together with the
// sparse merkle root over all keys and value hashes.
func (s *State) Hash() chainhash.Hash {
	flat := s.flatten()
	leaves := make(map[chainhash.Hash]chainhash.Hash, len(flat))
	for k, v := range flat {
		leaves[k] = chainhash.HashH(v)
	}
	root := csmt.Root(leaves)

	var versionBytes [8]byte
	binary.BigEndian.PutUint64(versionBytes[:], s.Version)

	return chainhash.HashConcat(versionBytes[:], root[:])
}

type stateEntry struct {
	Key   chainhash.Hash
	Value []byte
}

type stateEncoding struct {
	Version uint64
	Entries []stateEntry
}

// Encode gets the canonical encoding of the state with entries sorted by key.
func (s *State) Encode() ([]byte, error) {
	flat := s.flatten()
	enc := stateEncoding{
		Version: s.Version,
		Entries: make([]stateEntry, 0, len(flat)),
	}
	for k, v := range flat {
		enc.Entries = append(enc.Entries, stateEntry{Key: k, Value: v})
	}
	sort.Slice(enc.Entries, func(i, j int) bool {
		return enc.Entries[i].Key.Less(enc.Entries[j].Key)
	})
	return ssz.Marshal(enc)
}

// DecodeState decodes a state encoded with Encode.
func DecodeState(b []byte) (*State, error) {
	var enc stateEncoding
	if err := ssz.Unmarshal(b, &enc); err != nil {
		return nil, err
	}
	s := NewState()
	s.Version = enc.Version
	for _, e := range enc.Entries {
		s.entries[e.Key] = e.Value
	}
	return s, nil
}
