package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/overair/overair/internal/update"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// upsertMany performs a single-statement bulk insert-or-update. Conflicts
// on the identity columns update every remaining column from EXCLUDED; if
// no non-identity columns exist the conflict is ignored. Submitting the
// same rows repeatedly leaves the table in the same final state, and a
// crash mid-call leaves either none or all of the rows written.
func upsertMany(ctx context.Context, db execer, table string, columns, identityColumns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	if len(columns) == 0 || len(identityColumns) == 0 {
		return fmt.Errorf("%w: upsert requires columns and identity columns", update.ErrInvalidInput)
	}

	identity := make(map[string]struct{}, len(identityColumns))
	for _, c := range identityColumns {
		identity[c] = struct{}{}
	}
	var updateSet []string
	for _, c := range columns {
		if _, ok := identity[c]; ok {
			continue
		}
		updateSet = append(updateSet, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}

	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString("INSERT INTO ")
	sb.WriteString(table)
	sb.WriteString(" (")
	sb.WriteString(strings.Join(columns, ", "))
	sb.WriteString(") VALUES ")
	for i, row := range rows {
		if len(row) != len(columns) {
			return fmt.Errorf("%w: row %d has %d values, want %d", update.ErrInvalidInput, i, len(row), len(columns))
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j := range row {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", len(args)+j+1)
		}
		sb.WriteString(")")
		args = append(args, row...)
	}
	sb.WriteString(" ON CONFLICT (")
	sb.WriteString(strings.Join(identityColumns, ", "))
	sb.WriteString(")")
	if len(updateSet) == 0 {
		sb.WriteString(" DO NOTHING")
	} else {
		sb.WriteString(" DO UPDATE SET ")
		sb.WriteString(strings.Join(updateSet, ", "))
	}

	if _, err := db.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("update/postgres: upsert %s: %w", table, err)
	}
	return nil
}
