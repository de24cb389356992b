package codec

import "sort"

const maxTag = 1<<29 - 1

// Decode parses b into a Message. The returned tree keeps references into a
// private copy of b.
func Decode(b []byte) (*Message, error) {
	buf := append([]byte(nil), b...)
	return decode(buf)
}

func decode(b []byte) (*Message, error) {
	m := &Message{}
	for off := 0; off < len(b); {
		start := off
		key, n, err := readUvarint(b[off:])
		if err != nil {
			return nil, err
		}
		off += n
		tag := key >> 3
		if tag == 0 || tag > maxTag {
			return nil, malformed("invalid tag %d at offset %d", tag, start)
		}

		var v Value
		switch WireType(key & 7) {
		case WireVarint:
			num, n, err := readUvarint(b[off:])
			if err != nil {
				return nil, err
			}
			off += n
			v = Varint(num)
		case WireFixed64:
			if len(b)-off < 8 {
				return nil, malformed("truncated fixed64 at offset %d", off)
			}
			v = Fixed64(readFixed64(b[off:]))
			off += 8
		case WireFixed32:
			if len(b)-off < 4 {
				return nil, malformed("truncated fixed32 at offset %d", off)
			}
			v = Fixed32(readFixed32(b[off:]))
			off += 4
		case WireBytes:
			l, n, err := readUvarint(b[off:])
			if err != nil {
				return nil, err
			}
			off += n
			if l > uint64(len(b)-off) {
				return nil, malformed("length %d exceeds remaining %d bytes", l, len(b)-off)
			}
			v = Bytes(b[off : off+int(l) : off+int(l)])
			off += int(l)
		default:
			return nil, malformed("unsupported wire type %d at offset %d", key&7, start)
		}
		m.Fields = append(m.Fields, Field{Tag: uint32(tag), Value: v, raw: b[start:off:off]})
	}
	return m, nil
}

// Encode serializes m. A message holding decoded fields keeps its field
// order and emits those fields from their original bytes. A message built
// only from new fields is emitted in ascending tag order; repeats of a tag
// keep their relative order.
func Encode(m *Message) []byte {
	if m == nil {
		return nil
	}
	fields := m.Fields
	if !hasDecoded(fields) && !sort.SliceIsSorted(fields, func(i, j int) bool { return fields[i].Tag < fields[j].Tag }) {
		fields = append([]Field(nil), fields...)
		sort.SliceStable(fields, func(i, j int) bool { return fields[i].Tag < fields[j].Tag })
	}
	var out []byte
	for _, f := range fields {
		out = appendField(out, f)
	}
	return out
}

func hasDecoded(fields []Field) bool {
	for _, f := range fields {
		if f.raw != nil {
			return true
		}
	}
	return false
}

func appendField(dst []byte, f Field) []byte {
	if f.raw != nil {
		return append(dst, f.raw...)
	}
	key := func(wt WireType) uint64 { return uint64(f.Tag)<<3 | uint64(wt) }
	v := f.Value
	switch v.kind {
	case KindVarint:
		dst = appendUvarint(dst, key(WireVarint))
		return appendUvarint(dst, v.num)
	case KindFixed64:
		dst = appendUvarint(dst, key(WireFixed64))
		return appendFixed64(dst, v.num)
	case KindFixed32:
		dst = appendUvarint(dst, key(WireFixed32))
		return appendFixed32(dst, uint32(v.num))
	default:
		payload, _ := v.Bytes()
		dst = appendUvarint(dst, key(WireBytes))
		dst = appendUvarint(dst, uint64(len(payload)))
		return append(dst, payload...)
	}
}
