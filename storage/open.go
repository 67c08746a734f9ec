package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendLevelDB  = "leveldb"
	BackendBolt     = "bolt"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Options selects and configures a storage backend.
type Options struct {
	Backend string
	// Path is the on-disk location for leveldb and bolt.
	Path string
	// DSN is the connection string for sqlite and postgres.
	DSN string
}

// Open returns the Database described by opts.
func Open(opts Options) (Database, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendMemory:
		return NewMemDB(), nil
	case BackendLevelDB:
		if opts.Path == "" {
			return nil, fmt.Errorf("storage: leveldb path required")
		}
		return NewLevelDB(opts.Path)
	case BackendBolt:
		if opts.Path == "" {
			return nil, fmt.Errorf("storage: bolt path required")
		}
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, fmt.Errorf("storage: create bolt dir: %w", err)
		}
		return NewBoltDB(opts.Path, nil)
	case BackendSQLite:
		dsn := opts.DSN
		if dsn == "" && opts.Path != "" {
			dsn = FileDSN(opts.Path)
		}
		return OpenSQLite(dsn)
	case BackendPostgres:
		return OpenPostgres(opts.DSN)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", opts.Backend)
	}
}

// FileDSN builds a SQLite DSN for a file path with WAL journaling and a busy
// timeout suitable for a single writer process.
func FileDSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", filepath.ToSlash(path))
}
