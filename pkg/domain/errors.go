package domain

import "errors"

// ErrInvalidSessionID is returned when an empty or malformed session token is used to join.
var ErrInvalidSessionID = errors.New("invalid session id")

// ErrUnknownKey is returned when reading a field that was never written.
var ErrUnknownKey = errors.New("unknown key")

// ErrSizeLimitExceeded is returned when the aggregate encoded object would exceed the configured ceiling.
var ErrSizeLimitExceeded = errors.New("object size limit exceeded")

// ErrSessionNotFound is returned when no local record exists for a session ID.
// Callers on the write and observer paths degrade it to a logged no-op.
var ErrSessionNotFound = errors.New("session not found")

// ErrTransportUnavailable is returned by transports when a send has no reachable peers.
var ErrTransportUnavailable = errors.New("transport unavailable")

// ErrSnapshotNotFound is returned by snapshot stores when nothing was saved for a session.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// ErrMalformedMessage is returned when a wire payload cannot be decoded.
var ErrMalformedMessage = errors.New("malformed message")

// ErrStoreClosed is returned by operations attempted after teardown.
var ErrStoreClosed = errors.New("store closed")
