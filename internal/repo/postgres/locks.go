package postgres

import (
	"context"
	"fmt"
	"hash/fnv"
)

// TryAdvisoryLock attempts a Postgres advisory lock named by key. Advisory
// locks are session scoped: the db passed here must be pinned to a single
// connection (a *sql.Conn), and AdvisoryUnlock must run on that same
// connection or the lock stays held by an idle session.
func TryAdvisoryLock(ctx context.Context, db DB, key string) (bool, error) {
	if db == nil {
		return false, fmt.Errorf("db is required")
	}
	var acquired bool
	err := db.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, lockID(key)).Scan(&acquired)
	if err != nil {
		return false, fmt.Errorf("advisory lock %q: %w", key, err)
	}
	return acquired, nil
}

// AdvisoryUnlock releases the named lock on the acquiring session. It
// reports false when this session did not hold the lock.
func AdvisoryUnlock(ctx context.Context, db DB, key string) (bool, error) {
	if db == nil {
		return false, fmt.Errorf("db is required")
	}
	var released bool
	if err := db.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, lockID(key)).Scan(&released); err != nil {
		return false, fmt.Errorf("advisory unlock %q: %w", key, err)
	}
	return released, nil
}

func lockID(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}
