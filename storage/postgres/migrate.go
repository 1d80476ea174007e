package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrMigrationFailed is returned when schema migrations cannot be applied.
var ErrMigrationFailed = errors.New("postgres: failed to apply migrations")

// Migrate applies the embedded goose migrations using the pool's connections.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger billsync.Logger) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{logger: logger})
	goose.SetTableName("billsync_migrations")

	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Join(ErrMigrationFailed, err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return errors.Join(ErrMigrationFailed, err)
	}
	return nil
}

// gooseLogger routes goose output through billsync.Logger.
type gooseLogger struct {
	logger billsync.Logger
}

func (l gooseLogger) Fatalf(format string, v ...any) {
	l.logger.Error(fmt.Sprintf(format, v...))
}

func (l gooseLogger) Printf(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}
