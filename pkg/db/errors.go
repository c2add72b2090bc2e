package db

import "errors"

var (
	// requested record is not found.
	ErrMissing = errors.New("missing")

	// an endpoint with the same name already lives in the tenant/project.
	ErrNameConflict = errors.New("name conflict")

	// another request holds the idempotency key already.
	ErrIdempotencyInProgress = errors.New("idempotency key in progress")
)
