package repositories

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist. Callers check it with errors.Is to distinguish missing
// records from other database errors.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert violates a unique constraint, for
// example when adding a mapping whose public name is already taken.
var ErrConflict = errors.New("record already exists")
