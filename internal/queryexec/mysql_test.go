package queryexec

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestMySQLExecutorExecuteMapsColumnsAndRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "title"}).
		AddRow(1, "foo").
		AddRow(2, "bar")
	mock.ExpectQuery("SELECT id, title FROM products WHERE id > ?").
		WithArgs(0).
		WillReturnRows(rows)

	exec := &MySQLExecutor{db: db}
	rs, err := exec.Execute(context.Background(), Request{
		Raw:  "SELECT id, title FROM products WHERE id > ?",
		Args: []interface{}{0},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(rs.Columns) != 2 || rs.Columns[0] != "id" || rs.Columns[1] != "title" {
		t.Fatalf("unexpected columns: %v", rs.Columns)
	}
	if len(rs.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rs.Rows))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestExecutorFuncAdapter(t *testing.T) {
	var called bool
	var exec Executor = ExecutorFunc(func(ctx context.Context, req Request) (ResultSet, error) {
		called = true
		return ResultSet{Columns: []string{"ok"}, Rows: [][]interface{}{{1}}}, nil
	})

	rs, err := exec.Execute(context.Background(), Request{Index: "idx"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !called {
		t.Fatalf("expected underlying func to be called")
	}
	if len(rs.Rows) != 1 {
		t.Fatalf("unexpected result: %+v", rs)
	}
}
