package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrInvalidArgument indicates the database rejected the write.
var ErrInvalidArgument = errors.New("repository: invalid argument")

// ErrCapacityConflict indicates a guarded capacity update matched zero rows:
// another transaction won the race or the server left the healthy state.
var ErrCapacityConflict = errors.New("repository: capacity conflict")

// ErrSerialization indicates a transaction-conflict class database error
// (serialization failure or deadlock). Safe to retry.
var ErrSerialization = errors.New("repository: serialization conflict")
