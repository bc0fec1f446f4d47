package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresDB relies on migrations/ for its schema.
type PostgresDB struct {
	*sqlDB
	dsn string
}

var _ Store = (*PostgresDB)(nil)

func NewPostgresDB(dsn string) (*PostgresDB, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	p := &PostgresDB{
		sqlDB: &sqlDB{db: d, d: dialect{
			name:              "postgres",
			numbered:          true,
			rowLock:           " FOR UPDATE",
			list:              func(v *[]string) stringList { return pq.Array(v) },
			isUniqueViolation: isPQUniqueViolation,
		}},
		dsn: dsn,
	}
	if err := p.Init(context.Background()); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresDB) Init(ctx context.Context) error {
	// schema comes from migrations; just verify connectivity
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}

func isPQUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
