package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrInvalidArgument indicates the database rejected a value.
var ErrInvalidArgument = errors.New("repository: invalid argument")

// ErrPortTaken indicates another deployment already holds the requested port.
var ErrPortTaken = errors.New("repository: port already allocated")

// ErrStatusConflict indicates a status transition lost against a concurrent update
// or was attempted from a status that does not allow it.
var ErrStatusConflict = errors.New("repository: status conflict")
