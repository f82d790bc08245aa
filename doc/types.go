package doc

// RootID is the fixed id of the project entity. Every document has exactly
// one, created implicitly; it is never inserted or deleted over the wire.
const RootID = "project"

// Kind identifies what an entity is in the project tree.
type Kind uint8

const (
	KindProject Kind = iota
	KindSlide
	KindElement
)

// Element types.
const (
	TypeText  = "text"
	TypeImage = "image"
	TypeShape = "shape"
)

// Field names. Every field of every entity is independently addressable;
// these are the ones the editor writes.
const (
	FieldID              = "id"
	FieldName            = "name"
	FieldTitle           = "title"
	FieldContent         = "content"
	FieldTemplate        = "template"
	FieldBackgroundColor = "backgroundColor"
	FieldTextColor       = "textColor"
	FieldImageURL        = "imageUrl"
	FieldSavedContent    = "savedContent"
	FieldType            = "type"
	FieldX               = "x"
	FieldY               = "y"
	FieldWidth           = "width"
	FieldHeight          = "height"
	FieldRole            = "role"
	FieldStyle           = "style"
)

// Tag is a last-writer-wins timestamp: a Lamport clock plus the id of the
// client that produced the write.
type Tag struct {
	Clock  uint64
	Client string
}

// Wins reports whether t beats other under the fixed conflict rule:
// higher clock wins, exact clock tie broken by higher client id.
// The zero Tag loses to any real write.
func (t Tag) Wins(other Tag) bool {
	if t.Clock != other.Clock {
		return t.Clock > other.Clock
	}
	return t.Client > other.Client
}

// ValueKind discriminates the value union.
type ValueKind uint8

const (
	ValueString ValueKind = iota
	ValueNumber
	ValueMap
)

// Value is a field value: string, number, or an open string map.
// Map values are registers replaced whole, not merged key-by-key.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Map  map[string]string
}

// String returns a string Value.
func String(s string) Value { return Value{Kind: ValueString, Str: s} }

// Number returns a numeric Value.
func Number(f float64) Value { return Value{Kind: ValueNumber, Num: f} }

// StringMap returns a map Value. The map is not copied.
func StringMap(m map[string]string) Value { return Value{Kind: ValueMap, Map: m} }

// Equal reports deep equality of two values.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case ValueString:
		return v.Str == o.Str
	case ValueNumber:
		return v.Num == o.Num
	case ValueMap:
		if len(v.Map) != len(o.Map) {
			return false
		}
		for k, a := range v.Map {
			if b, ok := o.Map[k]; !ok || a != b {
				return false
			}
		}
		return true
	}
	return false
}

// OpKind identifies a primitive operation.
type OpKind uint8

const (
	// OpSet writes one field of one entity.
	OpSet OpKind = iota
	// OpInsert creates an entity under a parent, anchored after a sibling.
	OpInsert
	// OpDelete tombstones an entity. Idempotent.
	OpDelete
)

// Op is a primitive mutation. A delta is an ordered list of Ops.
type Op struct {
	Kind   OpKind
	Entity string
	Tag    Tag

	// OpSet
	Field string
	Value Value

	// OpInsert
	EntityKind Kind
	Parent     string
	// Anchor is the id of the previous sibling at insert time, "" for the
	// list head. Anchors keep concurrent inserts at the same spot
	// non-destructive.
	Anchor string
}

// StateVector summarises which writes a replica has seen: the highest clock
// observed per client. A delta relative to a StateVector contains exactly
// the tagged state newer than it.
type StateVector map[string]uint64

// Covers reports whether the vector has already seen the given tag.
func (sv StateVector) Covers(t Tag) bool {
	return t.Clock <= sv[t.Client]
}

// Clone returns a copy of the vector.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for k, v := range sv {
		out[k] = v
	}
	return out
}

// ChangeSet reports what an Apply call actually changed, so consumers can
// re-render minimally.
type ChangeSet struct {
	Created []string
	Removed []string
	Updated map[string][]string
}

// Empty reports whether nothing changed.
func (c ChangeSet) Empty() bool {
	return len(c.Created) == 0 && len(c.Removed) == 0 && len(c.Updated) == 0
}

func (c *ChangeSet) noteUpdated(entity, field string) {
	if c.Updated == nil {
		c.Updated = make(map[string][]string)
	}
	c.Updated[entity] = append(c.Updated[entity], field)
}

// Project is the materialized, plain view of a document. This is what UIs
// render and what the relational mirror stores.
type Project struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Slides []Slide `json:"slides"`
}

// Slide is one ordered slide of a project.
type Slide struct {
	ID              string            `json:"id"`
	Title           string            `json:"title"`
	Content         string            `json:"content"`
	Template        string            `json:"template"`
	BackgroundColor string            `json:"backgroundColor"`
	TextColor       string            `json:"textColor"`
	ImageURL        string            `json:"imageUrl,omitempty"`
	SavedContent    map[string]string `json:"savedContent,omitempty"`
	Elements        []Element         `json:"elements"`
}

// Element is one positioned visual element of a slide.
type Element struct {
	ID      string            `json:"id"`
	Type    string            `json:"type"`
	Content string            `json:"content"`
	X       float64           `json:"x"`
	Y       float64           `json:"y"`
	Width   float64           `json:"width"`
	Height  float64           `json:"height"`
	Role    string            `json:"role,omitempty"`
	Style   map[string]string `json:"style,omitempty"`
}
