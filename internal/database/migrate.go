package database

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed schema.sql
var schemaSQL string

// Schema returns the embedded DDL.
func Schema() string {
	return schemaSQL
}

// Statements splits the schema into individual statements.
// The schema contains no function bodies, so splitting on ';' is safe.
func Statements() []string {
	var out []string
	for _, stmt := range strings.Split(schemaSQL, ";") {
		lines := []string{}
		for _, line := range strings.Split(stmt, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "--") {
				continue
			}
			lines = append(lines, line)
		}
		s := strings.TrimSpace(strings.Join(lines, "\n"))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Migrate applies the schema. Every statement is idempotent (IF NOT EXISTS).
func Migrate(ctx context.Context, db *sql.DB) (int, error) {
	stmts := Statements()
	for i, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return i, fmt.Errorf("failed to apply statement %d: %w", i+1, err)
		}
	}
	return len(stmts), nil
}
