package loader

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/validata-io/validata/internal/domain"
)

var testTarget = Target{
	Table: "customers",
	Columns: []ColumnMapping{
		{Field: "customer_code", Column: "customer_code"},
		{Field: "name", Column: "name"},
	},
}

// fakeStore simulates a table with a unique key on the first column. A bulk
// insert fails atomically on the first conflicting row, mirroring the
// store's behavior.
type fakeStore struct {
	existing    map[string]bool
	inserted    []string
	execCalls   int
	failWith    error
	blankDetail bool
}

func newFakeStore(existingKeys ...string) *fakeStore {
	existing := make(map[string]bool)
	for _, key := range existingKeys {
		existing[key] = true
	}
	return &fakeStore{existing: existing}
}

func (f *fakeStore) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execCalls++
	if f.failWith != nil {
		return pgconn.CommandTag{}, f.failWith
	}

	const arity = 3 // customer_code, name, source_file_id
	rowCount := len(args) / arity
	for r := 0; r < rowCount; r++ {
		key, _ := args[r*arity].(string)
		if f.existing[key] {
			pgErr := &pgconn.PgError{
				Code:           uniqueViolation,
				ConstraintName: "customers_customer_code_key",
			}
			if !f.blankDetail {
				pgErr.Detail = fmt.Sprintf("Key (customer_code)=(%s) already exists.", key)
			}
			return pgconn.CommandTag{}, pgErr
		}
	}
	for r := 0; r < rowCount; r++ {
		key, _ := args[r*arity].(string)
		f.existing[key] = true
		f.inserted = append(f.inserted, key)
	}
	return pgconn.CommandTag{}, nil
}

func customerRow(number int, code, name string) domain.Row {
	return domain.Row{Number: number, Fields: map[string]string{
		"customer_code": code,
		"name":          name,
	}}
}

func TestLoaderFlushesInBatches(t *testing.T) {
	store := newFakeStore()
	var batchLoads []int
	l := New(store, testTarget, uuid.New(), 3, func(ctx context.Context, loaded int, dups []domain.ValidationError) error {
		batchLoads = append(batchLoads, loaded)
		return nil
	})

	ctx := context.Background()
	for i := 1; i <= 7; i++ {
		if err := l.Add(ctx, customerRow(i, fmt.Sprintf("C%03d", i), "x")); err != nil {
			t.Fatalf("add returned error: %v", err)
		}
	}
	if err := l.Flush(ctx); err != nil {
		t.Fatalf("flush returned error: %v", err)
	}

	if l.Loaded() != 7 || l.Rejected() != 0 {
		t.Fatalf("unexpected counters: loaded=%d rejected=%d", l.Loaded(), l.Rejected())
	}
	if len(batchLoads) != 3 || batchLoads[0] != 3 || batchLoads[1] != 3 || batchLoads[2] != 1 {
		t.Fatalf("unexpected batch sizes: %v", batchLoads)
	}
	if store.execCalls != 3 {
		t.Fatalf("expected 3 bulk inserts, got %d", store.execCalls)
	}
	// Loaded order matches source order.
	if store.inserted[0] != "C001" || store.inserted[6] != "C007" {
		t.Fatalf("rows loaded out of order: %v", store.inserted)
	}
}

func TestLoaderIsolatesDuplicateAndRetriesRemainder(t *testing.T) {
	store := newFakeStore("C005")
	fileID := uuid.New()
	var duplicates []domain.ValidationError
	l := New(store, testTarget, fileID, 12, func(ctx context.Context, loaded int, dups []domain.ValidationError) error {
		duplicates = append(duplicates, dups...)
		return nil
	})

	ctx := context.Background()
	for i := 1; i <= 12; i++ {
		if err := l.Add(ctx, customerRow(i, fmt.Sprintf("C%03d", i), "x")); err != nil {
			t.Fatalf("add returned error: %v", err)
		}
	}
	if err := l.Flush(ctx); err != nil {
		t.Fatalf("flush returned error: %v", err)
	}

	if l.Loaded() != 11 || l.Rejected() != 1 {
		t.Fatalf("unexpected counters: loaded=%d rejected=%d", l.Loaded(), l.Rejected())
	}
	if len(duplicates) != 1 {
		t.Fatalf("expected 1 duplicate error, got %d", len(duplicates))
	}
	dup := duplicates[0]
	if dup.Kind != domain.ErrorKindDuplicate || dup.RowNumber != 5 || dup.FieldName != "customer_code" || dup.FieldValue != "C005" {
		t.Fatalf("unexpected duplicate error: %+v", dup)
	}
	if dup.SourceFileID != fileID {
		t.Fatalf("duplicate error not attributed to file")
	}
}

func TestLoaderFallsBackToRowByRowAfterRetryCap(t *testing.T) {
	// Six conflicts in one batch: four are excluded via bulk retries, the
	// rest of the batch is replayed row by row.
	store := newFakeStore("C002", "C004", "C006", "C008", "C010", "C012")
	var duplicates []domain.ValidationError
	l := New(store, testTarget, uuid.New(), 20, func(ctx context.Context, loaded int, dups []domain.ValidationError) error {
		duplicates = append(duplicates, dups...)
		return nil
	})

	ctx := context.Background()
	for i := 1; i <= 20; i++ {
		if err := l.Add(ctx, customerRow(i, fmt.Sprintf("C%03d", i), "x")); err != nil {
			t.Fatalf("add returned error: %v", err)
		}
	}
	if err := l.Flush(ctx); err != nil {
		t.Fatalf("flush returned error: %v", err)
	}

	if l.Loaded() != 14 || l.Rejected() != 6 {
		t.Fatalf("unexpected counters: loaded=%d rejected=%d", l.Loaded(), l.Rejected())
	}
	if len(duplicates) != 6 {
		t.Fatalf("expected 6 duplicate errors, got %d", len(duplicates))
	}
}

func TestLoaderSmallBatchGoesRowByRow(t *testing.T) {
	store := newFakeStore("C002")
	l := New(store, testTarget, uuid.New(), 4, nil)

	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		if err := l.Add(ctx, customerRow(i, fmt.Sprintf("C%03d", i), "x")); err != nil {
			t.Fatalf("add returned error: %v", err)
		}
	}
	if err := l.Flush(ctx); err != nil {
		t.Fatalf("flush returned error: %v", err)
	}

	if l.Loaded() != 3 || l.Rejected() != 1 {
		t.Fatalf("unexpected counters: loaded=%d rejected=%d", l.Loaded(), l.Rejected())
	}
}

func TestLoaderUnparsableDetailFallsBackRowByRow(t *testing.T) {
	store := newFakeStore("C005")
	store.blankDetail = true
	l := New(store, testTarget, uuid.New(), 12, nil)

	ctx := context.Background()
	for i := 1; i <= 12; i++ {
		if err := l.Add(ctx, customerRow(i, fmt.Sprintf("C%03d", i), "x")); err != nil {
			t.Fatalf("add returned error: %v", err)
		}
	}
	if err := l.Flush(ctx); err != nil {
		t.Fatalf("flush returned error: %v", err)
	}

	if l.Loaded() != 11 || l.Rejected() != 1 {
		t.Fatalf("unexpected counters: loaded=%d rejected=%d", l.Loaded(), l.Rejected())
	}
}

func TestLoaderUnparsableDetailAttributesDeclaredUniqueField(t *testing.T) {
	store := newFakeStore("C005")
	store.blankDetail = true

	target := testTarget
	target.UniqueFields = []string{"customer_code"}

	var duplicates []domain.ValidationError
	l := New(store, target, uuid.New(), 12, func(ctx context.Context, loaded int, dups []domain.ValidationError) error {
		duplicates = append(duplicates, dups...)
		return nil
	})

	ctx := context.Background()
	for i := 1; i <= 12; i++ {
		if err := l.Add(ctx, customerRow(i, fmt.Sprintf("C%03d", i), "x")); err != nil {
			t.Fatalf("add returned error: %v", err)
		}
	}
	if err := l.Flush(ctx); err != nil {
		t.Fatalf("flush returned error: %v", err)
	}

	if len(duplicates) != 1 {
		t.Fatalf("expected 1 duplicate error, got %d", len(duplicates))
	}
	dup := duplicates[0]
	if dup.FieldName != "customer_code" || dup.FieldValue != "C005" || dup.RowNumber != 5 {
		t.Fatalf("violation without detail should fall back to the declared unique field: %+v", dup)
	}
}

func TestLoaderFatalStoreErrorPropagates(t *testing.T) {
	store := newFakeStore()
	store.failWith = errors.New("connection refused")
	l := New(store, testTarget, uuid.New(), 2, nil)

	ctx := context.Background()
	_ = l.Add(ctx, customerRow(1, "C001", "x"))
	err := l.Add(ctx, customerRow(2, "C002", "x"))

	var storeErr *StoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("expected StoreError, got %v", err)
	}
	if l.Loaded() != 0 {
		t.Fatalf("nothing should count as loaded on a fatal error")
	}
}

func TestLoaderPollsCancellationAtBatchBoundary(t *testing.T) {
	store := newFakeStore()
	l := New(store, testTarget, uuid.New(), 10, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := l.Add(ctx, customerRow(1, "C001", "x")); err != nil {
		t.Fatalf("add returned error: %v", err)
	}
	cancel()

	if err := l.Flush(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if store.execCalls != 0 {
		t.Fatalf("no insert may be issued after cancellation")
	}
}

func TestLoaderAbsentFieldsInsertAsNull(t *testing.T) {
	var captured []any
	store := &captureStore{args: &captured}
	l := New(store, testTarget, uuid.New(), 1, nil)

	row := domain.Row{Number: 1, Fields: map[string]string{"customer_code": "C001"}}
	if err := l.Add(context.Background(), row); err != nil {
		t.Fatalf("add returned error: %v", err)
	}

	if len(captured) != 3 {
		t.Fatalf("expected 3 args, got %d", len(captured))
	}
	if captured[1] != nil {
		t.Fatalf("absent field should bind as NULL, got %v", captured[1])
	}
}

type captureStore struct {
	args *[]any
}

func (c *captureStore) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	*c.args = append(*c.args, args...)
	return pgconn.CommandTag{}, nil
}
