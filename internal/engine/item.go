package engine

import (
	"strconv"
)

// ItemType names the dynamic type of an item.
type ItemType string

const (
	TypeString   ItemType = "xs:string"
	TypeInteger  ItemType = "xs:integer"
	TypeDecimal  ItemType = "xs:decimal"
	TypeDouble   ItemType = "xs:double"
	TypeBoolean  ItemType = "xs:boolean"
	TypeUntyped  ItemType = "xs:untypedAtomic"
	TypeItem     ItemType = "item()"
	TypeDocument ItemType = "document-node()"
	TypeElement  ItemType = "element()"
)

// Node is an XML node item.
type Node interface {
	// Markup returns the serialized form of the node.
	Markup() string
	StringValue() string
}

// Item is a member of a result sequence.
type Item interface {
	Type() ItemType
	IsNode() bool
	// Node returns nil for atomic items.
	Node() Node
	String() string
}

// Atomic is an atomic value held in its lexical form.
type Atomic struct {
	T ItemType
	V string
}

func (a Atomic) Type() ItemType { return a.T }
func (a Atomic) IsNode() bool   { return false }
func (a Atomic) Node() Node     { return nil }
func (a Atomic) String() string { return a.V }

// String returns an xs:string item.
func String(s string) Item { return Atomic{T: TypeString, V: s} }

// Integer returns an xs:integer item.
func Integer(i int64) Item { return Atomic{T: TypeInteger, V: strconv.FormatInt(i, 10)} }

// Boolean returns an xs:boolean item.
func Boolean(b bool) Item { return Atomic{T: TypeBoolean, V: strconv.FormatBool(b)} }

// Decimal returns an xs:decimal item.
func Decimal(f float64) Item {
	return Atomic{T: TypeDecimal, V: strconv.FormatFloat(f, 'f', -1, 64)}
}

// Sequence iterates over the items of an evaluation result.
type Sequence interface {
	// MoveTo positions the sequence so that the next call to Next lands on
	// the item at position pos (0-based).
	MoveTo(pos int64) error
	Next() bool
	Current() Item
	// Count returns the total number of items without consuming any.
	Count() (int64, error)
}

// SliceSequence is a Sequence over a materialized slice.
type SliceSequence struct {
	items []Item
	pos   int
}

// NewSliceSequence returns a sequence positioned before the first item.
func NewSliceSequence(items []Item) *SliceSequence {
	return &SliceSequence{items: items, pos: -1}
}

func (s *SliceSequence) MoveTo(pos int64) error {
	if pos < 0 {
		pos = 0
	}
	if pos > int64(len(s.items)) {
		pos = int64(len(s.items))
	}
	s.pos = int(pos) - 1
	return nil
}

func (s *SliceSequence) Next() bool {
	if s.pos+1 >= len(s.items) {
		s.pos = len(s.items)
		return false
	}
	s.pos++
	return true
}

func (s *SliceSequence) Current() Item {
	if s.pos < 0 || s.pos >= len(s.items) {
		return nil
	}
	return s.items[s.pos]
}

func (s *SliceSequence) Count() (int64, error) {
	return int64(len(s.items)), nil
}
