package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"

	"prodify/internal/types"
)

// Shared test doubles for the DBTX and Database interfaces. They live in the
// package (not a _test.go file) so the credits, billing, and scheduler
// packages can exercise their concrete service logic against mocked SQL
// without a live database.

// --- MockDBTX ---

// MockDBTX is a testify mock of the DBTX interface. Expectations are set on
// the method name with (ctx, sql, args) where args is the full []any slice.
type MockDBTX struct {
	mock.Mock
}

// Exec implements DBTX.
func (m *MockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

// Query implements DBTX.
func (m *MockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

// QueryRow implements DBTX.
func (m *MockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// --- MockRow ---

// MockRow is a canned pgx.Row. Either ScanFn populates the destinations or
// ScanErr is returned as-is (pgx.ErrNoRows to simulate an empty result).
type MockRow struct {
	ScanErr error
	ScanFn  func(dest ...any) error
}

// Scan implements pgx.Row.
func (r *MockRow) Scan(dest ...any) error {
	if r.ScanFn != nil {
		return r.ScanFn(dest...)
	}
	return r.ScanErr
}

// --- MockRows ---

// MockRows is a canned pgx.Rows over a fixed data grid. Scan assigns each
// cell to the matching destination by type, covering the column types the
// repositories read.
type MockRows struct {
	data    [][]any
	idx     int
	closed  bool
	ScanErr error
	ErrVal  error
}

// NewMockRows creates MockRows over the given rows.
func NewMockRows(data [][]any) *MockRows {
	return &MockRows{data: data, idx: -1}
}

// Next implements pgx.Rows.
func (r *MockRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	return r.idx < len(r.data)
}

// Scan implements pgx.Rows.
func (r *MockRows) Scan(dest ...any) error {
	if r.ScanErr != nil {
		return r.ScanErr
	}
	row := r.data[r.idx]
	for i, d := range dest {
		switch v := d.(type) {
		case *string:
			*v = row[i].(string)
		case *int:
			*v = row[i].(int)
		case *int64:
			*v = row[i].(int64)
		case *time.Time:
			*v = row[i].(time.Time)
		case **int:
			if row[i] == nil {
				*v = nil
			} else {
				n := row[i].(int)
				*v = &n
			}
		case *types.AppKey:
			*v = types.AppKey(row[i].(string))
		case *types.ActionType:
			*v = types.ActionType(row[i].(string))
		case *types.LogDirection:
			*v = types.LogDirection(row[i].(string))
		case *types.SubscriptionStatus:
			*v = types.SubscriptionStatus(row[i].(string))
		case **int64:
			if row[i] == nil {
				*v = nil
			} else {
				n := row[i].(int64)
				*v = &n
			}
		}
	}
	return nil
}

func (r *MockRows) Close()                                       { r.closed = true }
func (r *MockRows) Err() error                                   { return r.ErrVal }
func (r *MockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *MockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *MockRows) RawValues() [][]byte                          { return nil }
func (r *MockRows) Values() ([]any, error)                       { return nil, nil }
func (r *MockRows) Conn() *pgx.Conn                              { return nil }

// --- MockTx ---

// MockTx adapts a DBTX into a pgx.Tx so code that runs inside Store.WithTx
// can execute against a MockDBTX. Commit and rollback are no-ops; tests
// assert on the statements issued, not on transaction boundaries.
type MockTx struct {
	DB DBTX
}

var _ pgx.Tx = (*MockTx)(nil)

func (t *MockTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *MockTx) Commit(ctx context.Context) error          { return nil }
func (t *MockTx) Rollback(ctx context.Context) error        { return nil }

func (t *MockTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}

func (t *MockTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *MockTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }

func (t *MockTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}

func (t *MockTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return t.DB.Exec(ctx, sql, arguments...)
}

func (t *MockTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.DB.Query(ctx, sql, args...)
}

func (t *MockTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.DB.QueryRow(ctx, sql, args...)
}

func (t *MockTx) Conn() *pgx.Conn { return nil }

// --- MockDB ---

// MockDB implements Database over a single MockDBTX: plain queries and
// transactional statements land on the same mock, mirroring how a pool and
// its transactions share one database.
type MockDB struct {
	DB *MockDBTX

	// BeginErr, when set, fails WithTx before fn runs, simulating an
	// unreachable database.
	BeginErr error
}

var _ Database = (*MockDB)(nil)

// NewMockDB creates a MockDB over a fresh MockDBTX.
func NewMockDB() *MockDB {
	return &MockDB{DB: new(MockDBTX)}
}

// Querier implements Database.
func (d *MockDB) Querier() DBTX { return d.DB }

// WithTx implements Database. fn runs against a MockTx over the shared
// MockDBTX; an error return propagates as the rolled-back transaction's
// error.
func (d *MockDB) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	if d.BeginErr != nil {
		return d.BeginErr
	}
	return fn(&MockTx{DB: d.DB})
}
