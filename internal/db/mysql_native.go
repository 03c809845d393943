package db

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"
)

// insertBatch is the number of rows per INSERT statement.
const insertBatch = 100

// SQLExporter writes a MySQL database as portable SQL using only a driver
// connection: DROP/CREATE for every base table followed by batched INSERTs.
type SQLExporter struct {
	DB            *sql.DB
	Database      string
	ExcludeTables []string
	Now           func() time.Time
}

func (e *SQLExporter) Export(ctx context.Context, w io.Writer) error {
	bw := bufio.NewWriterSize(w, 256<<10)
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}

	tables, err := e.tables(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(bw, "-- Vital Red portable SQL dump\n-- Database: %s\n-- Generated: %s\n\n", e.Database, now().UTC().Format(time.RFC3339))
	bw.WriteString("SET NAMES utf8mb4;\nSET FOREIGN_KEY_CHECKS=0;\n\n")
	for _, table := range tables {
		if err := e.exportTable(ctx, bw, table); err != nil {
			return fmt.Errorf("table %s: %w", table, err)
		}
	}
	bw.WriteString("SET FOREIGN_KEY_CHECKS=1;\n")
	return bw.Flush()
}

func (e *SQLExporter) tables(ctx context.Context) ([]string, error) {
	rows, err := e.DB.QueryContext(ctx, "SHOW FULL TABLES WHERE Table_type = 'BASE TABLE'")
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	excluded := make(map[string]bool, len(e.ExcludeTables))
	for _, t := range e.ExcludeTables {
		excluded[t] = true
	}
	var tables []string
	for rows.Next() {
		var name, kind string
		if err := rows.Scan(&name, &kind); err != nil {
			return nil, err
		}
		if !excluded[name] {
			tables = append(tables, name)
		}
	}
	return tables, rows.Err()
}

func (e *SQLExporter) exportTable(ctx context.Context, w *bufio.Writer, table string) error {
	var name, ddl string
	if err := e.DB.QueryRowContext(ctx, "SHOW CREATE TABLE "+quoteIdent(table)).Scan(&name, &ddl); err != nil {
		return fmt.Errorf("show create table: %w", err)
	}
	fmt.Fprintf(w, "-- Table structure for %s\nDROP TABLE IF EXISTS %s;\n%s;\n\n", table, quoteIdent(table), ddl)

	rows, err := e.DB.QueryContext(ctx, "SELECT * FROM "+quoteIdent(table))
	if err != nil {
		return fmt.Errorf("select rows: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	prefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES\n", quoteIdent(table), strings.Join(quoted, ", "))

	values := make([]any, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	inBatch := 0
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return err
		}
		if inBatch == 0 {
			w.WriteString(prefix)
		} else {
			w.WriteString(",\n")
		}
		w.WriteByte('(')
		for i, v := range values {
			if i > 0 {
				w.WriteString(", ")
			}
			w.WriteString(sqlLiteral(v))
		}
		w.WriteByte(')')
		inBatch++
		if inBatch == insertBatch {
			w.WriteString(";\n")
			inBatch = 0
		}
	}
	if inBatch > 0 {
		w.WriteString(";\n")
	}
	w.WriteString("\n")
	return rows.Err()
}

// Replay executes every statement of a SQL dump on one connection, so
// session settings such as FOREIGN_KEY_CHECKS carry across statements.
func Replay(ctx context.Context, db *sql.DB, r io.Reader) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	n := 0
	return SplitStatements(r, func(stmt string) error {
		n++
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("statement %d (%s): %w", n, abbreviate(stmt, 80), err)
		}
		return nil
	})
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// sqlLiteral renders one scanned column value. Everything except NULL is
// written as a string literal; MySQL converts it on insert.
func sqlLiteral(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return quoteValue(val)
	case string:
		return quoteValue([]byte(val))
	case time.Time:
		return quoteValue([]byte(val.Format("2006-01-02 15:04:05.999999")))
	default:
		return quoteValue([]byte(fmt.Sprint(val)))
	}
}

// quoteValue renders raw column bytes as an escaped MySQL string literal.
func quoteValue(v []byte) string {
	var b strings.Builder
	b.Grow(len(v) + 2)
	b.WriteByte('\'')
	for _, c := range v {
		switch c {
		case 0:
			b.WriteString(`\0`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\\':
			b.WriteString(`\\`)
		case '\'':
			b.WriteString(`\'`)
		case '"':
			b.WriteString(`\"`)
		case 0x1a:
			b.WriteString(`\Z`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('\'')
	return b.String()
}

func abbreviate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
