package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"

	"github.com/regentci/regent/internal/writequeue"
)

// SQLSink persists write queue batches to PostgreSQL. Every batch runs in
// a single transaction: either all writes land or none do, so a retried
// batch never leaves partial state behind. Upserts key on the id column,
// which keeps redelivered batches idempotent.
type SQLSink struct {
	db *sql.DB
}

func NewSQLSink(db *sql.DB) *SQLSink {
	return &SQLSink{db: db}
}

func (s *SQLSink) WriteBatch(ctx context.Context, groups []writequeue.Group) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch transaction: %w", err)
	}

	for _, group := range groups {
		for _, w := range group.Writes {
			query, args, err := buildStatement(w)
			if err != nil {
				_ = tx.Rollback()
				return err
			}

			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("failed to apply %s on %s: %w", group.Operation, group.Table, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	return nil
}

// buildStatement renders one queued write as SQL. Columns are ordered
// deterministically so identical writes produce identical statements.
func buildStatement(w *writequeue.QueuedWrite) (string, []any, error) {
	if len(w.Data) == 0 {
		return "", nil, fmt.Errorf("write %s has no data", w.ID)
	}

	columns := make([]string, 0, len(w.Data))
	for col := range w.Data {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	args := make([]any, 0, len(columns))
	for _, col := range columns {
		args = append(args, w.Data[col])
	}

	switch w.Operation {
	case writequeue.OpInsert:
		return buildInsert(w.Table, columns, false), args, nil
	case writequeue.OpUpsert:
		if _, ok := w.Data["id"]; !ok {
			return "", nil, fmt.Errorf("upsert on %s requires an id column", w.Table)
		}
		return buildInsert(w.Table, columns, true), args, nil
	case writequeue.OpUpdate:
		if _, ok := w.Data["id"]; !ok {
			return "", nil, fmt.Errorf("update on %s requires an id column", w.Table)
		}
		return buildUpdate(w.Table, columns), args, nil
	default:
		return "", nil, fmt.Errorf("unsupported operation %q", w.Operation)
	}
}

func buildInsert(table string, columns []string, upsert bool) string {
	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = pq.QuoteIdentifier(col)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		pq.QuoteIdentifier(table),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
	)

	if !upsert {
		return query
	}

	var updates []string
	for _, col := range columns {
		if col == "id" {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", pq.QuoteIdentifier(col), pq.QuoteIdentifier(col)))
	}

	if len(updates) == 0 {
		return query + " ON CONFLICT (id) DO NOTHING"
	}

	return query + " ON CONFLICT (id) DO UPDATE SET " + strings.Join(updates, ", ")
}

func buildUpdate(table string, columns []string) string {
	var sets []string
	idPos := 0
	for i, col := range columns {
		if col == "id" {
			idPos = i + 1
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(col), i+1))
	}

	return fmt.Sprintf(
		"UPDATE %s SET %s WHERE id = $%d",
		pq.QuoteIdentifier(table),
		strings.Join(sets, ", "),
		idPos,
	)
}
