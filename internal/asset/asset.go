package asset

import (
	"encoding/json"
	"errors"
	"sort"

	"github.com/google/uuid"
)

// Type identifies one asset. Fungible assets are tracked by amount,
// non-fungible ones by instance id.
type Type struct {
	ID       string `json:"id"`
	Symbol   string `json:"symbol"`
	Fungible bool   `json:"fungible"`
}

func NewFungible(symbol string) Type {
	return Type{ID: uuid.NewString(), Symbol: symbol, Fungible: true}
}

func NewNonFungible(symbol string) Type {
	return Type{ID: uuid.NewString(), Symbol: symbol, Fungible: false}
}

// Deterministic derives the same type id for the same symbol, so a
// restarted process keeps addressing the assets already in its stores.
func Deterministic(symbol string, fungible bool) Type {
	return Type{
		ID:       uuid.NewSHA1(uuid.NameSpaceOID, []byte(symbol)).String(),
		Symbol:   symbol,
		Fungible: fungible,
	}
}

// InstanceID is the id of one non-fungible instance within its type.
type InstanceID string

func NewInstanceID() InstanceID {
	return InstanceID(uuid.NewString())
}

var (
	ErrTypeMismatch = errors.New("bucket asset type mismatch")
	ErrInsufficient = errors.New("insufficient assets in container")
	ErrNotFungible  = errors.New("operation needs a fungible asset")
	ErrNotWhole     = errors.New("non-fungible amount must be a whole number")
)

// IDSet is a set of non-fungible instance ids.
type IDSet map[InstanceID]struct{}

func NewIDSet(ids ...InstanceID) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s IDSet) Contains(id InstanceID) bool {
	_, ok := s[id]
	return ok
}

func (s IDSet) Add(id InstanceID) { s[id] = struct{}{} }

func (s IDSet) Clone() IDSet {
	out := make(IDSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// Difference returns the ids in s that are not in other.
func (s IDSet) Difference(other IDSet) IDSet {
	out := make(IDSet)
	for id := range s {
		if !other.Contains(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// IntersectionSize counts ids present in both sets.
func (s IDSet) IntersectionSize(other IDSet) int {
	n := 0
	for id := range s {
		if other.Contains(id) {
			n++
		}
	}
	return n
}

// Sorted returns the ids in lexical order. Iteration over the map is
// randomized, anything that picks "arbitrary" instances goes through
// this so results stay deterministic.
func (s IDSet) Sorted() []InstanceID {
	out := make([]InstanceID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MarshalJSON encodes the set as a sorted array so encodings are
// stable across runs.
func (s IDSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *IDSet) UnmarshalJSON(data []byte) error {
	var ids []InstanceID
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewIDSet(ids...)
	return nil
}
