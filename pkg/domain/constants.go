package domain

const (
	// DefaultSizeLimit is the aggregate ceiling for one object's encoded fields (4 MiB).
	DefaultSizeLimit = 4 * 1024 * 1024

	// MaxSessionIDLength bounds the length of a session token.
	MaxSessionIDLength = 128
)
