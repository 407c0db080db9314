// Package inverted maps field-value keys to ordered lists of line numbers,
// keeps periodic count snapshots and serves filtered views over them.
package inverted

import (
	"encoding/binary"
	"strings"
	"sync"
)

// KeyID is a dense identifier of an interned Key.
type KeyID uint32

// Key is a composite of field values: each value is prefixed with its uvarint length.
// A line without fields has the empty key.
type Key string

// NewKey encodes values into a Key.
func NewKey(values ...string) Key {
	var b KeyBuilder
	for _, v := range values {
		b.Append([]byte(v))
	}
	return Key(b.View())
}

// Values decodes the field values.
func (k Key) Values() []string {
	var values []string
	for b := []byte(k); len(b) > 0; {
		l, n := binary.Uvarint(b)
		if n <= 0 || l > uint64(len(b)-n) {
			panic("malformed key")
		}
		values = append(values, string(b[n:n+int(l)]))
		b = b[n+int(l):]
	}
	return values
}

func (k Key) String() string { return strings.Join(k.Values(), " ") }

// KeyBuilder assembles a key in a reusable scratch buffer.
type KeyBuilder struct {
	buf []byte
}

func (b *KeyBuilder) Reset() { b.buf = b.buf[:0] }

func (b *KeyBuilder) Append(value []byte) {
	b.buf = binary.AppendUvarint(b.buf, uint64(len(value)))
	b.buf = append(b.buf, value...)
}

// View is the key being built. It is only valid until the next Reset or Append.
func (b *KeyBuilder) View() []byte { return b.buf }

// Dictionary interns keys. One writer interns, any number of readers look up.
type Dictionary struct {
	mu   sync.RWMutex
	ids  map[Key]KeyID
	keys []Key
}

func NewDictionary() *Dictionary {
	return &Dictionary{ids: make(map[Key]KeyID)}
}

// Intern returns the id of the key in view, registering it on first sight.
// The view is copied only when the key is new.
func (d *Dictionary) Intern(view []byte) KeyID {
	d.mu.RLock()
	id, ok := d.ids[Key(view)] // no allocation for the lookup
	d.mu.RUnlock()
	if ok {
		return id
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok = d.ids[Key(view)]; ok {
		return id
	}
	k := Key(view) // detached copy
	id = KeyID(len(d.keys))
	d.keys = append(d.keys, k)
	d.ids[k] = id
	return id
}

func (d *Dictionary) Lookup(k Key) (KeyID, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.ids[k]
	return id, ok
}

func (d *Dictionary) Key(id KeyID) Key {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.keys[id]
}

func (d *Dictionary) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.keys)
}
