package repository

import (
	"context"

	"github.com/rpattn/assetimport/internal/db"

	"github.com/jackc/pgx/v5"
)

type pgTransactor struct {
	conn *db.Connection
}

// NewTransactor binds a fresh set of repositories to each transaction on conn.
func NewTransactor(conn *db.Connection) Transactor {
	return &pgTransactor{conn: conn}
}

func (t *pgTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error {
	return t.conn.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(ctx, Repositories{
			Hierarchy: NewHierarchyRepository(tx),
			Assets:    NewAssetRepository(tx),
			Jobs:      NewImportJobRepository(tx),
		})
	})
}
