package types

import "errors"

// DefaultChunkSize is the page size used by the incremental loader when
// the config does not set one.
const DefaultChunkSize = 1000

// Config describes how to open a mirror session.
type Config struct {
	// DatabasePath is the sqlite file backing the session.
	DatabasePath string
	// ChunkSize bounds each incremental fetch. Zero means DefaultChunkSize.
	ChunkSize int
	// User is recorded on commit rows. Defaults to "anon".
	User string
}

// Config validation errors.
var (
	ErrNoDatabasePath    = errors.New("database path is required")
	ErrNegativeChunkSize = errors.New("chunk size cannot be negative")
)

// Validate checks the config before a session is opened.
func (c Config) Validate() error {
	if c.DatabasePath == "" {
		return ErrNoDatabasePath
	}
	if c.ChunkSize < 0 {
		return ErrNegativeChunkSize
	}
	return nil
}

// Username returns the configured user or the default.
func (c Config) Username() string {
	if c.User == "" {
		return "anon"
	}
	return c.User
}
