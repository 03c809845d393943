package db

import (
	"bytes"
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func fixedNow() time.Time { return time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC) }

func TestSQLExporterWritesSchemaAndRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SHOW FULL TABLES WHERE Table_type = 'BASE TABLE'")).
		WillReturnRows(sqlmock.NewRows([]string{"Tables_in_vitalred", "Table_type"}).
			AddRow("usuarios", "BASE TABLE").
			AddRow("sessions", "BASE TABLE").
			AddRow("referencias", "BASE TABLE"))

	mock.ExpectQuery(regexp.QuoteMeta("SHOW CREATE TABLE `usuarios`")).
		WillReturnRows(sqlmock.NewRows([]string{"Table", "Create Table"}).
			AddRow("usuarios", "CREATE TABLE `usuarios` (`id` int, `nombre` varchar(64), `nota` text)"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `usuarios`")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "nombre", "nota"}).
			AddRow(int64(1), []byte("ana"), nil).
			AddRow(int64(2), []byte(""), []byte("o'brien\nline")))

	mock.ExpectQuery(regexp.QuoteMeta("SHOW CREATE TABLE `referencias`")).
		WillReturnRows(sqlmock.NewRows([]string{"Table", "Create Table"}).
			AddRow("referencias", "CREATE TABLE `referencias` (`id` int)"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `referencias`")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	var out bytes.Buffer
	exp := &SQLExporter{DB: db, Database: "vitalred", ExcludeTables: []string{"sessions"}, Now: fixedNow}
	require.NoError(t, exp.Export(context.Background(), &out))
	require.NoError(t, mock.ExpectationsWereMet())

	dump := out.String()
	require.Contains(t, dump, "-- Database: vitalred")
	require.Contains(t, dump, "SET FOREIGN_KEY_CHECKS=0;")
	require.Contains(t, dump, "DROP TABLE IF EXISTS `usuarios`;\nCREATE TABLE `usuarios`")
	require.Contains(t, dump, "INSERT INTO `usuarios` (`id`, `nombre`, `nota`) VALUES\n('1', 'ana', NULL),\n('2', '', 'o\\'brien\\nline');\n")
	require.Contains(t, dump, "CREATE TABLE `referencias` (`id` int);")
	require.NotContains(t, dump, "INSERT INTO `referencias`")
	require.NotContains(t, dump, "sessions")
	require.True(t, strings.HasSuffix(dump, "SET FOREIGN_KEY_CHECKS=1;\n"))
}

func TestSQLExporterBatchesInserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SHOW FULL TABLES").
		WillReturnRows(sqlmock.NewRows([]string{"Tables_in_vitalred", "Table_type"}).AddRow("logs", "BASE TABLE"))
	mock.ExpectQuery("SHOW CREATE TABLE").
		WillReturnRows(sqlmock.NewRows([]string{"Table", "Create Table"}).AddRow("logs", "CREATE TABLE `logs` (`id` int)"))
	rows := sqlmock.NewRows([]string{"id"})
	for i := 0; i < insertBatch*2+5; i++ {
		rows.AddRow(int64(i))
	}
	mock.ExpectQuery("SELECT \\* FROM").WillReturnRows(rows)

	var out bytes.Buffer
	exp := &SQLExporter{DB: db, Database: "vitalred", Now: fixedNow}
	require.NoError(t, exp.Export(context.Background(), &out))
	require.Equal(t, 3, strings.Count(out.String(), "INSERT INTO `logs`"))

	var stmts []string
	require.NoError(t, SplitStatements(strings.NewReader(out.String()), func(s string) error {
		stmts = append(stmts, s)
		return nil
	}))
	// SET NAMES, FK off, DROP, CREATE, 3 INSERTs, FK on.
	require.Len(t, stmts, 8)
}

func TestReplayExecutesStatementsInOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	script := "SET FOREIGN_KEY_CHECKS=0;\n" +
		"DROP TABLE IF EXISTS `usuarios`;\n" +
		"INSERT INTO `usuarios` VALUES ('1', 'a;b');\n"
	mock.ExpectExec(regexp.QuoteMeta("SET FOREIGN_KEY_CHECKS=0")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DROP TABLE IF EXISTS `usuarios`")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `usuarios` VALUES ('1', 'a;b')")).WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, Replay(context.Background(), db, strings.NewReader(script)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplayReportsFailingStatement(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE").WillReturnError(errBoom)

	err = Replay(context.Background(), db, strings.NewReader("CREATE TABLE t (id int);\nSELECT 1;\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "statement 1")
	require.ErrorIs(t, err, errBoom)
}

func TestSQLLiteral(t *testing.T) {
	require.Equal(t, "NULL", sqlLiteral(nil))
	require.Equal(t, "''", sqlLiteral([]byte{}))
	require.Equal(t, `'a\\b\0'`, sqlLiteral([]byte("a\\b\x00")))
	require.Equal(t, "'42'", sqlLiteral(int64(42)))
	require.Equal(t, "'2024-03-01 02:00:00'", sqlLiteral(fixedNow()))
}
