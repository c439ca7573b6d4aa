// Package index declares the shared contract every persistent index
// variant (cceh, fastfair, clht, rhtree, wort, example) implements, and the
// scheme façade dispatches against. Grounded on mari's single-struct API
// surface (Mari's exported Insert/Retrieve methods in Mari.go), generalized
// here into an interface so multiple independent implementations can
// satisfy it.
package index

import "github.com/sirgallo/pmkv/status"

// Contract is the map operation surface every index variant presents.
// value is an opaque machine-pointer-wide integer: the engine allocates and
// orders stores around it but never dereferences it.
type Contract interface {
	// Insert adds key with value. At most one live slot per key exists;
	// InsertKeyExists is returned, not an error, if key is already present.
	Insert(key []byte, value uintptr) (status.Status, error)

	// Search looks up key. NotFound is returned, not an error, if absent.
	Search(key []byte) (status.Status, uintptr, error)

	// Update replaces the value stored for an existing key. NotFound is
	// returned if key is absent.
	Update(key []byte, value uintptr) (status.Status, error)

	// Upsert inserts key if absent or replaces its value if present.
	// Always Ok unless allocation fails.
	Upsert(key []byte, value uintptr) (status.Status, error)

	// ScanCount returns at most n values at or after start. Variants
	// unable to scan return NotDefined.
	ScanCount(start []byte, n int) (status.Status, []uintptr, error)

	// Scan returns values for keys in [start, end). Variants unable to
	// scan return NotDefined.
	Scan(start, end []byte) (status.Status, []uintptr, error)

	// Print emits diagnostic text describing the index's current
	// structure to the configured logger.
	Print()
}
