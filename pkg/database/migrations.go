package database

import (
	"context"
	"fmt"

	"entgo.io/ent/dialect/sql"
)

// CreateGINIndexes creates the GIN index over task_tool_invocation
// (spec.md §6: "a GIN index on task_tool_invocation") — ent's schema DSL
// has no jsonb_path_ops GIN annotation, so this runs as a migration hook
// alongside ent's own auto-generated indexes.
func CreateGINIndexes(ctx context.Context, driver *sql.Driver) error {
	db := driver.DB()

	_, err := db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_api_requests_task_tool_invocation_gin
		ON api_requests USING gin(task_tool_invocation jsonb_path_ops)`)
	if err != nil {
		return fmt.Errorf("failed to create task_tool_invocation GIN index: %w", err)
	}

	return nil
}
