package message

// Type is the typed-array discriminator for a Field, per spec.md §3's
// scalar-type list: signed/unsigned 8/16/32/64-bit ints, 32/64-bit IEEE
// floats, bools, rects, points, strings, byte buffers, pointers (never
// serialized), and sub-messages.
type Type uint32

const (
	TypeInt8 Type = iota + 1
	TypeInt16
	TypeInt32
	TypeInt64
	TypeUint8
	TypeUint16
	TypeUint32
	TypeUint64
	TypeFloat32
	TypeFloat64
	TypeBool
	TypeRect  // 4 float32: left, top, right, bottom
	TypePoint // 2 float32: x, y
	TypeString
	TypeBytes
	TypePointer // in-memory-only, rejected by Flatten
	TypeMessage
)

func (t Type) String() string {
	switch t {
	case TypeInt8:
		return "int8"
	case TypeInt16:
		return "int16"
	case TypeInt32:
		return "int32"
	case TypeInt64:
		return "int64"
	case TypeUint8:
		return "uint8"
	case TypeUint16:
		return "uint16"
	case TypeUint32:
		return "uint32"
	case TypeUint64:
		return "uint64"
	case TypeFloat32:
		return "float32"
	case TypeFloat64:
		return "float64"
	case TypeBool:
		return "bool"
	case TypeRect:
		return "rect"
	case TypePoint:
		return "point"
	case TypeString:
		return "string"
	case TypeBytes:
		return "bytes"
	case TypePointer:
		return "pointer"
	case TypeMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Rect is the 4-element rectangle scalar type.
type Rect struct{ Left, Top, Right, Bottom float32 }

// Point is the 2-element point scalar type.
type Point struct{ X, Y float32 }

// Field holds a typed array of values for one name within a Message. The
// concrete element type stored in values always matches Type:
//
//	TypeInt8..TypeUint64, TypeFloat32/64, TypeBool, TypeRect, TypePoint -> the Go scalar
//	TypeString -> string
//	TypeBytes  -> []byte
//	TypePointer -> uintptr (opaque token, never serialized)
//	TypeMessage -> *Message
type Field struct {
	Type   Type
	values []any
}

func newField(t Type) *Field { return &Field{Type: t} }

// Len returns the number of elements in the field's array.
func (f *Field) Len() int { return len(f.values) }

func (f *Field) clone() *Field {
	c := &Field{Type: f.Type, values: make([]any, len(f.values))}
	for i, v := range f.values {
		if sub, ok := v.(*Message); ok {
			c.values[i] = sub.Clone()
		} else {
			c.values[i] = v
		}
	}
	return c
}

// --- typed accessors -------------------------------------------------

func (m *Message) field(name string, t Type) *Field {
	f, ok := m.fields[name]
	if !ok {
		f = newField(t)
		m.putField(name, f)
	}
	return f
}

func (m *Message) AddInt8(name string, v int8) { f := m.field(name, TypeInt8); f.values = append(f.values, v) }
func (m *Message) AddInt16(name string, v int16) {
	f := m.field(name, TypeInt16)
	f.values = append(f.values, v)
}
func (m *Message) AddInt32(name string, v int32) {
	f := m.field(name, TypeInt32)
	f.values = append(f.values, v)
}
func (m *Message) AddInt64(name string, v int64) {
	f := m.field(name, TypeInt64)
	f.values = append(f.values, v)
}
func (m *Message) AddUint8(name string, v uint8) {
	f := m.field(name, TypeUint8)
	f.values = append(f.values, v)
}
func (m *Message) AddUint16(name string, v uint16) {
	f := m.field(name, TypeUint16)
	f.values = append(f.values, v)
}
func (m *Message) AddUint32(name string, v uint32) {
	f := m.field(name, TypeUint32)
	f.values = append(f.values, v)
}
func (m *Message) AddUint64(name string, v uint64) {
	f := m.field(name, TypeUint64)
	f.values = append(f.values, v)
}
func (m *Message) AddFloat32(name string, v float32) {
	f := m.field(name, TypeFloat32)
	f.values = append(f.values, v)
}
func (m *Message) AddFloat64(name string, v float64) {
	f := m.field(name, TypeFloat64)
	f.values = append(f.values, v)
}
func (m *Message) AddBool(name string, v bool) { f := m.field(name, TypeBool); f.values = append(f.values, v) }
func (m *Message) AddRect(name string, v Rect) { f := m.field(name, TypeRect); f.values = append(f.values, v) }
func (m *Message) AddPoint(name string, v Point) {
	f := m.field(name, TypePoint)
	f.values = append(f.values, v)
}
func (m *Message) AddString(name string, v string) {
	f := m.field(name, TypeString)
	f.values = append(f.values, v)
}
func (m *Message) AddBytes(name string, v []byte) {
	f := m.field(name, TypeBytes)
	cp := make([]byte, len(v))
	copy(cp, v)
	f.values = append(f.values, cp)
}
func (m *Message) AddPointer(name string, v uintptr) {
	f := m.field(name, TypePointer)
	f.values = append(f.values, v)
}
func (m *Message) AddMessage(name string, v *Message) {
	f := m.field(name, TypeMessage)
	f.values = append(f.values, v)
}

func nth[T any](f *Field, t Type, index int) (v T, ok bool) {
	if f == nil || f.Type != t || index < 0 || index >= len(f.values) {
		return v, false
	}
	v, ok = f.values[index].(T)
	return v, ok
}

func (m *Message) FindInt8(name string, index int) (int8, bool)   { return nth[int8](m.fields[name], TypeInt8, index) }
func (m *Message) FindInt16(name string, index int) (int16, bool) { return nth[int16](m.fields[name], TypeInt16, index) }
func (m *Message) FindInt32(name string, index int) (int32, bool) { return nth[int32](m.fields[name], TypeInt32, index) }
func (m *Message) FindInt64(name string, index int) (int64, bool) { return nth[int64](m.fields[name], TypeInt64, index) }
func (m *Message) FindUint8(name string, index int) (uint8, bool) {
	return nth[uint8](m.fields[name], TypeUint8, index)
}
func (m *Message) FindUint16(name string, index int) (uint16, bool) {
	return nth[uint16](m.fields[name], TypeUint16, index)
}
func (m *Message) FindUint32(name string, index int) (uint32, bool) {
	return nth[uint32](m.fields[name], TypeUint32, index)
}
func (m *Message) FindUint64(name string, index int) (uint64, bool) {
	return nth[uint64](m.fields[name], TypeUint64, index)
}
func (m *Message) FindFloat32(name string, index int) (float32, bool) {
	return nth[float32](m.fields[name], TypeFloat32, index)
}
func (m *Message) FindFloat64(name string, index int) (float64, bool) {
	return nth[float64](m.fields[name], TypeFloat64, index)
}
func (m *Message) FindBool(name string, index int) (bool, bool) { return nth[bool](m.fields[name], TypeBool, index) }
func (m *Message) FindRect(name string, index int) (Rect, bool) { return nth[Rect](m.fields[name], TypeRect, index) }
func (m *Message) FindPoint(name string, index int) (Point, bool) {
	return nth[Point](m.fields[name], TypePoint, index)
}
func (m *Message) FindString(name string, index int) (string, bool) {
	return nth[string](m.fields[name], TypeString, index)
}
func (m *Message) FindBytes(name string, index int) ([]byte, bool) {
	return nth[[]byte](m.fields[name], TypeBytes, index)
}
func (m *Message) FindMessage(name string, index int) (*Message, bool) {
	return nth[*Message](m.fields[name], TypeMessage, index)
}

// SetString replaces (rather than appends to) the named field: every
// existing element is dropped and v becomes its only value, a convenience
// used throughout the command handlers for single-valued fields.
func (m *Message) SetString(name, v string) {
	m.RemoveField(name)
	m.AddString(name, v)
}

func (m *Message) SetInt32(name string, v int32) {
	m.RemoveField(name)
	m.AddInt32(name, v)
}
