package db

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Schema returns the reference DDL for the fulfillment tables.
func Schema() string {
	return schemaSQL
}

// ApplySchema executes the reference DDL. Intended for throwaway databases.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("platform/db: apply schema: %w", err)
	}
	return nil
}
