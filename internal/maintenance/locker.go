package maintenance

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"

	"github.com/veritide-labs/veritide-go/internal/repo/postgres"
)

// AdvisoryLocker backs Locker with Postgres advisory locks. Advisory locks
// are session scoped, so each acquisition checks a connection out of the
// pool and holds it until Unlock; lock and unlock must never land on
// different pooled connections.
type AdvisoryLocker struct {
	db *sql.DB
}

func NewAdvisoryLocker(db *sql.DB) (*AdvisoryLocker, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &AdvisoryLocker{db: db}, nil
}

func (l *AdvisoryLocker) TryLock(ctx context.Context, key string) (Lock, bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("checkout lock connection: %w", err)
	}
	acquired, err := postgres.TryAdvisoryLock(ctx, conn, key)
	if err != nil {
		conn.Close()
		return nil, false, err
	}
	if !acquired {
		conn.Close()
		return nil, false, nil
	}
	return &advisoryLock{conn: conn, key: key}, true, nil
}

// advisoryLock holds the acquiring connection until released.
type advisoryLock struct {
	conn *sql.Conn
	key  string
}

func (l *advisoryLock) Unlock(ctx context.Context) error {
	released, err := postgres.AdvisoryUnlock(ctx, l.conn, l.key)
	if err != nil || !released {
		// The session still holds the lock; discard the connection so the
		// pool does not hand it out with the lock attached.
		_ = l.conn.Raw(func(any) error { return driver.ErrBadConn })
		_ = l.conn.Close()
		if err != nil {
			return err
		}
		return fmt.Errorf("advisory lock %q was not held", l.key)
	}
	return l.conn.Close()
}
