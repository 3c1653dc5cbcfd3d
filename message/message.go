// Package message implements the Message data model of spec.md §3: an
// insertion-ordered mapping from field name to a typed field, carrying an
// opaque 32-bit "what" dispatch code, reference-counted and passed by
// shared, immutable-by-convention handles.
//
// Grounded on spec.md §3/§4.1 for the data shape, restyled after the
// teacher's transport/pdu.go PDU-cursor idiom (cmn/cos/uuid.go-style small
// value types) for the buffer-cursor conventions used by the codec in
// codec.go.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package message

import (
	"fmt"
	"sync/atomic"
)

// What is the 32-bit dispatch discriminator every Message carries.
type What uint32

// Message is an insertion-ordered field-name -> Field map plus a What
// code. The zero value is not usable; construct with New.
type Message struct {
	What   What
	order  []string
	fields map[string]*Field
	refs   atomic.Int32
}

// New allocates a Message with an initial reference count of 1.
func New(what What) *Message {
	m := &Message{
		What:   what,
		fields: make(map[string]*Field),
	}
	m.refs.Store(1)
	return m
}

// Ref increments the shared-handle reference count (spec.md §3:
// "Messages are reference-counted; the framework passes them by shared,
// immutable-by-convention handles").
func (m *Message) Ref() *Message {
	m.refs.Add(1)
	return m
}

// Unref decrements the reference count; callers must stop using m once
// this returns true (the count reached zero).
func (m *Message) Unref() bool {
	return m.refs.Add(-1) == 0
}

// Clone performs a deep copy, suitable for a caller who needs a mutable
// Message derived from a shared, by-convention-immutable one.
func (m *Message) Clone() *Message {
	c := New(m.What)
	for _, name := range m.order {
		c.order = append(c.order, name)
		c.fields[name] = m.fields[name].clone()
	}
	return c
}

// NumFields returns the number of distinct field names.
func (m *Message) NumFields() int { return len(m.order) }

// FieldNames returns field names in insertion order.
func (m *Message) FieldNames() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Field returns the named field, or nil if absent.
func (m *Message) Field(name string) *Field { return m.fields[name] }

// HasField reports whether name is present.
func (m *Message) HasField(name string) bool {
	_, ok := m.fields[name]
	return ok
}

// RemoveField deletes the named field.
func (m *Message) RemoveField(name string) {
	if _, ok := m.fields[name]; !ok {
		return
	}
	delete(m.fields, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// putField inserts or replaces a field, preserving first-insertion order.
func (m *Message) putField(name string, f *Field) {
	if _, exists := m.fields[name]; !exists {
		m.order = append(m.order, name)
	}
	m.fields[name] = f
}

func (m *Message) String() string {
	return fmt.Sprintf("Message{what=%d, fields=%d}", m.What, len(m.order))
}
