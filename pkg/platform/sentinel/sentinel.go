package sentinel

import "errors"

// Store-level facts. Batch and audit stores return these, usually wrapped, and
// the services translate them into coded domain errors.
//
//   - ErrNotFound: no row for the key
//   - ErrConflict: optimistic version check lost to a concurrent writer
//   - ErrAlreadyUsed: a unique key (identity in batch, kit id in batch) is taken
//
// Input validation belongs in pkg/domain-errors, not here.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrAlreadyUsed = errors.New("already used")
)
