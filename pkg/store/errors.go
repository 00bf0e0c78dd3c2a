package store

import "errors"

// Sentinel errors surfaced at the RPC boundary. Handlers map these onto HTTP
// status codes.
var (
	// ErrBadRequest marks malformed input: short account hash, disallowed
	// URL scheme or host, missing fields.
	ErrBadRequest = errors.New("store: bad request")

	// ErrConflict marks a duplicate in-flight task for the same
	// (accountHash, bundleID, version).
	ErrConflict = errors.New("store: duplicate task")

	// ErrNotFound covers unknown ids and tenant mismatches, which are
	// deliberately indistinguishable.
	ErrNotFound = errors.New("store: task not found")
)
