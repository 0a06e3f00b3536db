package queryexec

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLExecutor is a reference Executor backed by a real MySQL
// connection pool, exercised by this package's tests. cmd/searchd
// registers no mysql-wire handler, so the daemon does not use it; a
// production full-text engine is out of scope and would implement
// Executor directly against its own storage.
type MySQLExecutor struct {
	db *sql.DB
}

// OpenMySQLExecutor opens a connection pool against dsn. The caller owns
// the returned Executor's lifetime and must call Close.
func OpenMySQLExecutor(dsn string, maxOpenConns, maxIdleConns int) (*MySQLExecutor, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("queryexec: open mysql: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	return &MySQLExecutor{db: db}, nil
}

func (e *MySQLExecutor) Close() error { return e.db.Close() }

// Execute runs req.Raw as a parameterized query and folds the result
// into the uniform tabular ResultSet shape every Executor returns.
func (e *MySQLExecutor) Execute(ctx context.Context, req Request) (ResultSet, error) {
	rows, err := e.db.QueryContext(ctx, req.Raw, req.Args...)
	if err != nil {
		return ResultSet{}, fmt.Errorf("queryexec: query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return ResultSet{}, fmt.Errorf("queryexec: columns: %w", err)
	}
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return ResultSet{}, fmt.Errorf("queryexec: column types: %w", err)
	}

	var data [][]interface{}
	for rows.Next() {
		scanDest := make([]interface{}, len(cols))
		for i := range scanDest {
			scanDest[i] = new(interface{})
		}
		if err := rows.Scan(scanDest...); err != nil {
			return ResultSet{}, fmt.Errorf("queryexec: scan: %w", err)
		}

		row := make([]interface{}, len(cols))
		for i, dest := range scanDest {
			row[i] = convertColumnValue(*(dest.(*interface{})), colTypes[i])
		}
		data = append(data, row)
	}
	if err := rows.Err(); err != nil {
		return ResultSet{}, fmt.Errorf("queryexec: row iteration: %w", err)
	}

	return ResultSet{Columns: cols, Rows: data}, nil
}

// convertColumnValue normalizes a scanned MySQL value into a
// JSON-serializable representation, preferring strings for anything
// that could lose precision as a native Go numeric type.
func convertColumnValue(val interface{}, colType *sql.ColumnType) interface{} {
	if val == nil {
		return nil
	}

	b, ok := val.([]byte)
	if !ok {
		return val
	}

	switch colType.DatabaseTypeName() {
	case "TINYINT", "SMALLINT", "MEDIUMINT", "INT", "INTEGER", "BIGINT":
		if len(b) == 0 {
			return 0
		}
		return string(b)
	case "DECIMAL", "NUMERIC", "FLOAT", "DOUBLE", "REAL":
		return string(b)
	default:
		return string(b)
	}
}
