package codec

import "fmt"

// Kind discriminates the variants of Value.
type Kind uint8

const (
	KindVarint Kind = iota + 1
	KindFixed64
	KindFixed32
	KindBytes
	KindNested
	KindPacked
)

func (k Kind) String() string {
	switch k {
	case KindVarint:
		return "varint"
	case KindFixed64:
		return "fixed64"
	case KindFixed32:
		return "fixed32"
	case KindBytes:
		return "bytes"
	case KindNested:
		return "nested"
	case KindPacked:
		return "packed"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Value is one field value. Decoded length-delimited values are always
// KindBytes; Message and Packed reinterpret them on demand.
type Value struct {
	kind Kind
	num  uint64
	raw  []byte
	msg  *Message
	list []uint64
}

// Varint makes a varint value.
func Varint(v uint64) Value { return Value{kind: KindVarint, num: v} }

// Fixed64 makes a 64-bit fixed-width value.
func Fixed64(v uint64) Value { return Value{kind: KindFixed64, num: v} }

// Fixed32 makes a 32-bit fixed-width value.
func Fixed32(v uint32) Value { return Value{kind: KindFixed32, num: uint64(v)} }

// Bytes makes a length-delimited value.
func Bytes(b []byte) Value { return Value{kind: KindBytes, raw: b} }

// Str makes a length-delimited value from a string.
func Str(s string) Value { return Value{kind: KindBytes, raw: []byte(s)} }

// Nested makes a length-delimited value holding a sub-message.
func Nested(m *Message) Value { return Value{kind: KindNested, msg: m} }

// Packed makes a length-delimited value holding packed varints.
func Packed(vals ...uint64) Value { return Value{kind: KindPacked, list: vals} }

// Bool makes a varint 0/1 value.
func Bool(b bool) Value {
	if b {
		return Varint(1)
	}
	return Varint(0)
}

// Kind reports the variant.
func (v Value) Kind() Kind { return v.kind }

// Uint returns the numeric value of a varint or fixed value.
func (v Value) Uint() (uint64, bool) {
	switch v.kind {
	case KindVarint, KindFixed64, KindFixed32:
		return v.num, true
	}
	return 0, false
}

// Bytes returns the payload of a length-delimited value. Nested and packed
// values are encoded.
func (v Value) Bytes() ([]byte, bool) {
	switch v.kind {
	case KindBytes:
		return v.raw, true
	case KindNested:
		return Encode(v.msg), true
	case KindPacked:
		var out []byte
		for _, n := range v.list {
			out = appendUvarint(out, n)
		}
		return out, true
	}
	return nil, false
}

// Text returns a length-delimited value as a string.
func (v Value) Text() (string, bool) {
	b, ok := v.Bytes()
	return string(b), ok
}

// Message interprets the value as a sub-message.
func (v Value) Message() (*Message, error) {
	switch v.kind {
	case KindNested:
		return v.msg, nil
	case KindBytes:
		return Decode(v.raw)
	}
	return nil, fmt.Errorf("%w: %s value is not a message", ErrMalformedFrame, v.kind)
}

// Packed interprets the value as a list of packed varints.
func (v Value) Packed() ([]uint64, error) {
	switch v.kind {
	case KindPacked:
		return v.list, nil
	case KindBytes:
		var out []uint64
		b := v.raw
		for len(b) > 0 {
			n, used, err := readUvarint(b)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
			b = b[used:]
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s value is not packed", ErrMalformedFrame, v.kind)
}

// Field is one tagged value. Decoded fields remember their exact source
// bytes so re-encoding is bit-exact.
type Field struct {
	Tag   uint32
	Value Value
	raw   []byte
}

// Message is an ordered list of fields. Repeated tags are allowed.
type Message struct {
	Fields []Field
}

// NewMessage returns an empty message.
func NewMessage() *Message { return &Message{} }

// Get returns the first value with tag.
func (m *Message) Get(tag uint32) (Value, bool) {
	if m == nil {
		return Value{}, false
	}
	for _, f := range m.Fields {
		if f.Tag == tag {
			return f.Value, true
		}
	}
	return Value{}, false
}

// All returns every value with tag in order of appearance.
func (m *Message) All(tag uint32) []Value {
	if m == nil {
		return nil
	}
	var out []Value
	for _, f := range m.Fields {
		if f.Tag == tag {
			out = append(out, f.Value)
		}
	}
	return out
}

// Lookup follows path through nested messages and returns the value at its
// end. Intermediate values that do not decode as messages end the walk.
func (m *Message) Lookup(path ...uint32) (Value, bool) {
	cur := m
	for i, tag := range path {
		v, ok := cur.Get(tag)
		if !ok {
			return Value{}, false
		}
		if i == len(path)-1 {
			return v, true
		}
		next, err := v.Message()
		if err != nil {
			return Value{}, false
		}
		cur = next
	}
	return Value{}, false
}

// LookupUint is Lookup followed by Uint.
func (m *Message) LookupUint(path ...uint32) (uint64, bool) {
	v, ok := m.Lookup(path...)
	if !ok {
		return 0, false
	}
	return v.Uint()
}

// LookupText is Lookup followed by Text.
func (m *Message) LookupText(path ...uint32) (string, bool) {
	v, ok := m.Lookup(path...)
	if !ok {
		return "", false
	}
	return v.Text()
}

// Set replaces the first field with tag, or inserts it in ascending tag
// order. It returns m for chaining.
func (m *Message) Set(tag uint32, v Value) *Message {
	for i := range m.Fields {
		if m.Fields[i].Tag == tag {
			m.Fields[i] = Field{Tag: tag, Value: v}
			return m
		}
	}
	return m.Add(tag, v)
}

// Add inserts a field after every field whose tag is <= tag, keeping builder
// messages in ascending tag order while allowing repeats.
func (m *Message) Add(tag uint32, v Value) *Message {
	i := len(m.Fields)
	for i > 0 && m.Fields[i-1].Tag > tag {
		i--
	}
	m.Fields = append(m.Fields, Field{})
	copy(m.Fields[i+1:], m.Fields[i:])
	m.Fields[i] = Field{Tag: tag, Value: v}
	return m
}
