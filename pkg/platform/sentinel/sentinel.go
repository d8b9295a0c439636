package sentinel

import "errors"

// Sentinel errors for storage facts. Escrow and audit stores return these,
// wrapped with the entity they concern, and the service translates them into
// domain errors.
//
//   - ErrNotFound: no row with that id
//   - ErrConflict: a unique key or a conditional update lost to a concurrent writer
//   - ErrInvalidState: the store was called outside the state it requires, such
//     as reading the audit tail without a transaction
//
// Validation failures use pkg/domain-errors directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
)
