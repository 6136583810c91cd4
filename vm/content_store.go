package vm

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync"
)

// ---------------------------------------------------------------------------
// ContentStore: content-addressed index for code objects
// ---------------------------------------------------------------------------

// ContentStore indexes validated code objects by their content hash. It is
// engine-independent: the same store can back any number of VM instances,
// and it is the in-memory counterpart of the on-disk code cache.
type ContentStore struct {
	mu    sync.RWMutex
	codes map[[32]byte]*CodeObject
}

// NewContentStore creates an empty content store.
func NewContentStore() *ContentStore {
	return &ContentStore{codes: make(map[[32]byte]*CodeObject)}
}

// Index validates a code object, computes its content hash and adds it to
// the store. Returns the hash, or the validation error.
func (cs *ContentStore) Index(c *CodeObject) ([32]byte, error) {
	if err := c.Validate(); err != nil {
		return [32]byte{}, err
	}
	h := HashCode(c)
	cs.mu.Lock()
	cs.codes[h] = c
	cs.mu.Unlock()
	return h, nil
}

// Lookup returns the code object for the given hash, or nil.
func (cs *ContentStore) Lookup(h [32]byte) *CodeObject {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.codes[h]
}

// Has returns true if the store contains a code object with the given hash.
func (cs *ContentStore) Has(h [32]byte) bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	_, ok := cs.codes[h]
	return ok
}

// Hashes returns all content hashes in the store.
func (cs *ContentStore) Hashes() [][32]byte {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	hashes := make([][32]byte, 0, len(cs.codes))
	for h := range cs.codes {
		hashes = append(hashes, h)
	}
	return hashes
}

// Count returns the number of indexed code objects.
func (cs *ContentStore) Count() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.codes)
}

// ---------------------------------------------------------------------------
// Code hashing
// ---------------------------------------------------------------------------

// HashCode computes the SHA-256 content hash of a code object. The hash
// covers everything that affects execution: version, name, flags, parameter
// count, bytecode, constants, all name tables and every nested code object.
// The source map is excluded, so two code objects differing only in line
// tables share a hash.
func HashCode(c *CodeObject) [32]byte {
	var buf []byte

	writeU16 := func(v uint16) {
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], v)
		buf = append(buf, b[:]...)
	}
	writeU32 := func(v uint32) {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v)
		buf = append(buf, b[:]...)
	}
	writeU64 := func(v uint64) {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v)
		buf = append(buf, b[:]...)
	}
	writeString := func(s string) {
		writeU32(uint32(len(s)))
		buf = append(buf, s...)
	}
	writeStringSlice := func(ss []string) {
		writeU32(uint32(len(ss)))
		for _, s := range ss {
			writeString(s)
		}
	}

	// Tag byte for code hash format
	buf = append(buf, 0x01)
	writeU16(c.Version)
	writeString(c.Name)
	writeU16(uint16(c.Flags))
	writeU16(uint16(c.ParamCount))
	writeU32(uint32(len(c.Code)))
	buf = append(buf, c.Code...)

	writeU32(uint32(len(c.Constants)))
	for _, k := range c.Constants {
		buf = append(buf, byte(k.Kind))
		switch k.Kind {
		case ConstNone:
		case ConstBool:
			if k.Bool {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case ConstInt:
			writeU64(uint64(k.Int))
		case ConstBigInt:
			writeString(k.Str)
		case ConstFloat:
			writeU64(math.Float64bits(k.Float))
		case ConstString:
			writeString(k.Str)
		case ConstCode:
			writeU16(uint16(k.Child))
		}
	}

	writeStringSlice(c.Names)
	writeStringSlice(c.LocalNames)
	writeStringSlice(c.CellNames)
	writeStringSlice(c.FreeNames)

	// Nested code objects contribute their own hashes, in order.
	writeU32(uint32(len(c.Children)))
	for _, child := range c.Children {
		h := HashCode(child)
		buf = append(buf, h[:]...)
	}

	return sha256.Sum256(buf)
}
