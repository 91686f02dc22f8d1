package dmap

import (
	"encoding/binary"
	"math/rand"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// HashFunc computes a hash of key under seed. Both the global façade's
// key-to-locality routing and a local Map's own head-bucket indexing
// always call it with seed 0; the seed parameter exists for callers that
// want a differently-seeded table without changing the hash algorithm.
type HashFunc[K comparable] func(key K, seed uint64) uint64

// EqualFunc reports whether a and b should be treated as the same key.
// The zero value of EqualFunc means "use Go's built-in == on K".
type EqualFunc[K comparable] func(a, b K) bool

// The declarations below mirror just enough of the Go runtime's internal
// type descriptor to reach a map type's runtime-generated Hasher field,
// the same reflection-free trick github.com/llxisdsh/pb's
// defaultHasherUsingBuiltIn (mapof.go) uses to obtain a correct,
// content-aware hash function for any comparable key type. This relies on
// Go's internal type layout and should be re-checked against each Go
// version upgrade.
type iTFlag uint8
type iKind uint8
type iNameOff int32
type iTypeOff int32

type iType struct {
	Size_       uintptr
	PtrBytes    uintptr
	Hash        uint32
	TFlag       iTFlag
	Align_      uint8
	FieldAlign_ uint8
	Kind_       iKind
	Equal       func(unsafe.Pointer, unsafe.Pointer) bool
	GCData      *byte
	Str         iNameOff
	PtrToThis   iTypeOff
}

func (t *iType) mapType() *iMapType {
	return (*iMapType)(unsafe.Pointer(t))
}

type iMapType struct {
	iType
	Key    *iType
	Elem   *iType
	Group  *iType
	Hasher func(unsafe.Pointer, uintptr) uintptr
}

type iEmptyInterface struct {
	Type *iType
	Data unsafe.Pointer
}

func iTypeOf(a any) *iType {
	eface := *(*iEmptyInterface)(unsafe.Pointer(&a))
	return eface.Type
}

// builtinHasher returns the hash function the Go runtime already generates
// for map[K]struct{}: the same function every built-in map[K]V uses to
// place K. Unlike hashing K's raw in-memory bytes, this is correct for any
// K whose equality is not purely "its own bytes" (string, interfaces, or a
// struct/array embedding one): it hashes a string's contents, not its
// header, matching Go's own == and map semantics.
func builtinHasher[K comparable]() func(unsafe.Pointer, uintptr) uintptr {
	var m map[K]struct{}
	return iTypeOf(m).mapType().Hasher
}

// NewDefaultHash builds the same default HashFunc a Map constructs for
// itself when no WithHash option is given. It is exported so a caller that
// needs the identical hash function shared across several Maps — the
// global façade's partitioning needs every locality's head-bucket indexing
// and key-to-locality routing to agree, so it builds one HashFunc here and
// passes it to every locality's dmap.New via WithHash, rather than letting
// each locality pick its own independently-seeded default — can build one
// instance and reuse it.
func NewDefaultHash[K comparable]() HashFunc[K] {
	return newDefaultHash[K]()
}

// newDefaultHash builds the default HashFunc for K. It resolves K's
// built-in hasher once, not once per call, and folds in a random per-Map
// seed the way the runtime's own map implementation does to resist hash
// flooding. A non-zero caller-supplied seed is mixed in with xxhash rather
// than applied directly, so a differently-seeded table's hashes don't
// merely shift the runtime hasher's output by a constant.
func newDefaultHash[K comparable]() HashFunc[K] {
	hasher := builtinHasher[K]()
	base := uintptr(rand.Uint64())
	return func(key K, seed uint64) uint64 {
		h := uint64(hasher(unsafe.Pointer(&key), base))
		if seed == 0 {
			return h
		}
		var buf [16]byte
		binary.LittleEndian.PutUint64(buf[:8], h)
		binary.LittleEndian.PutUint64(buf[8:], seed)
		return xxhash.Sum64(buf[:])
	}
}

// defaultEqual compares two keys with Go's built-in equality, the same
// comparison Go's own map[K]V already uses for K.
func defaultEqual[K comparable](a, b K) bool {
	return a == b
}
