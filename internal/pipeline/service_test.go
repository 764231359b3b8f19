package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/validata-io/validata/internal/config"
	"github.com/validata-io/validata/internal/domain"
	"github.com/validata-io/validata/internal/repository"
	"github.com/validata-io/validata/internal/rules"
)

// --- stubs ---

type stubFileRepo struct {
	files map[uuid.UUID]domain.SourceFile
}

func newStubFileRepo() *stubFileRepo {
	return &stubFileRepo{files: make(map[uuid.UUID]domain.SourceFile)}
}

func (r *stubFileRepo) Create(ctx context.Context, file domain.SourceFile) (domain.SourceFile, error) {
	r.files[file.ID] = file
	return file, nil
}

func (r *stubFileRepo) GetByID(ctx context.Context, id uuid.UUID) (domain.SourceFile, error) {
	file, ok := r.files[id]
	if !ok {
		return domain.SourceFile{}, repository.ErrNotFound
	}
	return file, nil
}

func (r *stubFileRepo) List(ctx context.Context, limit, offset int) ([]domain.SourceFile, error) {
	out := make([]domain.SourceFile, 0, len(r.files))
	for _, file := range r.files {
		out = append(out, file)
	}
	return out, nil
}

func (r *stubFileRepo) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	file, ok := r.files[id]
	if !ok {
		return repository.ErrNotFound
	}
	if !file.Status.CanTransitionTo(domain.FileStatusProcessing) {
		return repository.ErrInvalidTransition
	}
	file.Status = domain.FileStatusProcessing
	file.RowCount = 0
	file.LoadedCount = 0
	file.RejectedCount = 0
	file.ErrorMessage = ""
	r.files[id] = file
	return nil
}

func (r *stubFileRepo) MarkCompleted(ctx context.Context, id uuid.UUID, rowCount, loaded, rejected int) error {
	file := r.files[id]
	file.Status = domain.FileStatusCompleted
	file.RowCount = rowCount
	file.LoadedCount = loaded
	file.RejectedCount = rejected
	r.files[id] = file
	return nil
}

func (r *stubFileRepo) MarkFailed(ctx context.Context, id uuid.UUID, message string) error {
	file := r.files[id]
	file.Status = domain.FileStatusFailed
	file.ErrorMessage = message
	r.files[id] = file
	return nil
}

func (r *stubFileRepo) UpdateProgress(ctx context.Context, id uuid.UUID, loaded, rejected int) error {
	file := r.files[id]
	file.LoadedCount = loaded
	file.RejectedCount = rejected
	r.files[id] = file
	return nil
}

type stubErrorRepo struct {
	errs        []domain.ValidationError
	deleteCalls int
}

func (r *stubErrorRepo) RecordBatch(ctx context.Context, errs []domain.ValidationError) error {
	r.errs = append(r.errs, errs...)
	return nil
}

func (r *stubErrorRepo) ListByFile(ctx context.Context, fileID uuid.UUID, limit, offset int) ([]domain.ValidationError, error) {
	var out []domain.ValidationError
	for _, e := range r.errs {
		if e.SourceFileID == fileID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *stubErrorRepo) DeleteByFile(ctx context.Context, fileID uuid.UUID) error {
	r.deleteCalls++
	kept := r.errs[:0]
	for _, e := range r.errs {
		if e.SourceFileID != fileID {
			kept = append(kept, e)
		}
	}
	r.errs = kept
	return nil
}

type stubResultRepo struct {
	results    map[uuid.UUID]domain.LoadResult
	failUpsert error
}

func newStubResultRepo() *stubResultRepo {
	return &stubResultRepo{results: make(map[uuid.UUID]domain.LoadResult)}
}

func (r *stubResultRepo) Upsert(ctx context.Context, result domain.LoadResult) error {
	if r.failUpsert != nil {
		return r.failUpsert
	}
	r.results[result.SourceFileID] = result
	return nil
}

func (r *stubResultRepo) GetByFile(ctx context.Context, fileID uuid.UUID) (domain.LoadResult, error) {
	result, ok := r.results[fileID]
	if !ok {
		return domain.LoadResult{}, repository.ErrNotFound
	}
	return result, nil
}

// stubUnitOfWork hands the shared stub repositories to fn; the stubs have
// no transactionality to speak of, so only the call itself is recorded.
type stubUnitOfWork struct {
	repos   repository.Repositories
	txCalls int
}

func (u *stubUnitOfWork) WithinTx(ctx context.Context, fn func(repository.Repositories) error) error {
	u.txCalls++
	return fn(u.repos)
}

// stubStore simulates the customers target table with a unique key on the
// first column.
type stubStore struct {
	existing    map[string]bool
	inserted    int
	failWith    error
	blankDetail bool
}

func newStubStore(existingKeys ...string) *stubStore {
	existing := make(map[string]bool)
	for _, key := range existingKeys {
		existing[key] = true
	}
	return &stubStore{existing: existing}
}

func (s *stubStore) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if s.failWith != nil {
		return pgconn.CommandTag{}, s.failWith
	}
	const arity = 4 // customer_code, name, email, source_file_id
	rowCount := len(args) / arity
	for r := 0; r < rowCount; r++ {
		key, _ := args[r*arity].(string)
		if s.existing[key] {
			pgErr := &pgconn.PgError{
				Code:           "23505",
				ConstraintName: "customers_customer_code_key",
			}
			if !s.blankDetail {
				pgErr.Detail = fmt.Sprintf("Key (customer_code)=(%s) already exists.", key)
			}
			return pgconn.CommandTag{}, pgErr
		}
	}
	for r := 0; r < rowCount; r++ {
		key, _ := args[r*arity].(string)
		s.existing[key] = true
		s.inserted++
	}
	return pgconn.CommandTag{}, nil
}

// --- fixtures ---

func testTables() []config.TableConfig {
	return []config.TableConfig{{
		Name:      "customers",
		Table:     "customers",
		BatchSize: 50,
		Columns: []config.ColumnConfig{
			{Field: "customer_code", Column: "customer_code"},
			{Field: "name", Column: "name"},
			{Field: "email", Column: "email"},
		},
		Rules: []rules.Config{
			{Kind: "REQUIRED", Field: "customer_code"},
			{Kind: "REQUIRED", Field: "name"},
			{Kind: "FORMAT", Field: "email", Pattern: `[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`},
			{Kind: "DUPLICATE", Field: "customer_code"},
		},
	}}
}

type fixture struct {
	service *Service
	files   *stubFileRepo
	errs    *stubErrorRepo
	results *stubResultRepo
	uow     *stubUnitOfWork
	store   *stubStore
}

func newFixture(t *testing.T, store *stubStore) *fixture {
	t.Helper()
	files := newStubFileRepo()
	errs := &stubErrorRepo{}
	results := newStubResultRepo()
	uow := &stubUnitOfWork{repos: repository.Repositories{
		Files:   files,
		Errors:  errs,
		Results: results,
	}}

	service, err := NewService(files, errs, uow, store, config.PipelineConfig{
		UploadDir: t.TempDir(),
		BatchSize: 50,
	}, testTables())
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return &fixture{service: service, files: files, errs: errs, results: results, uow: uow, store: store}
}

func (f *fixture) submit(t *testing.T, name string, fileType domain.FileType, tableName, payload string) domain.SourceFile {
	t.Helper()
	file, err := f.service.Submit(context.Background(), name, fileType, tableName, strings.NewReader(payload))
	if err != nil {
		t.Fatalf("submit returned error: %v", err)
	}
	return file
}

// --- tests ---

func TestProcessLoadsValidRowsAndRejectsInvalid(t *testing.T) {
	f := newFixture(t, newStubStore())
	file := f.submit(t, "customers.csv", domain.FileTypeCSV, "customers",
		"customer_code,name,email\n"+
			"C001,John,john@x.com\n"+
			"C002,Jane,not-an-email\n"+
			",Joe,joe@x.com\n")

	if err := f.service.Process(context.Background(), file.ID); err != nil {
		t.Fatalf("process returned error: %v", err)
	}

	got := f.files.files[file.ID]
	if got.Status != domain.FileStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", got.Status, got.ErrorMessage)
	}
	if got.RowCount != 3 || got.LoadedCount != 1 || got.RejectedCount != 2 {
		t.Fatalf("unexpected counters: %+v", got)
	}
	if got.RowCount != got.LoadedCount+got.RejectedCount {
		t.Fatalf("attempted must equal loaded plus rejected: %+v", got)
	}

	ledger, _ := f.errs.ListByFile(context.Background(), file.ID, 100, 0)
	if len(ledger) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d: %+v", len(ledger), ledger)
	}
	if ledger[0].Kind != domain.ErrorKindFormat || ledger[0].RowNumber != 2 {
		t.Fatalf("unexpected first entry: %+v", ledger[0])
	}
	if ledger[1].Kind != domain.ErrorKindRequired || ledger[1].RowNumber != 3 || ledger[1].FieldName != "customer_code" {
		t.Fatalf("unexpected second entry: %+v", ledger[1])
	}

	result, err := f.results.GetByFile(context.Background(), file.ID)
	if err != nil {
		t.Fatalf("expected load result: %v", err)
	}
	if result.RowsAttempted != 3 || result.RowsLoaded != 1 || result.RowsRejected != 2 {
		t.Fatalf("unexpected load result: %+v", result)
	}
}

func TestProcessIsolatesLoadTimeDuplicates(t *testing.T) {
	f := newFixture(t, newStubStore("C001"))
	file := f.submit(t, "customers.json", domain.FileTypeJSON, "customers",
		`[
			{"customer_code": "C900", "email": "a@b.com"},
			{"customer_code": "C001", "name": "Jane", "email": "jane@x.com"}
		]`)

	if err := f.service.Process(context.Background(), file.ID); err != nil {
		t.Fatalf("process returned error: %v", err)
	}

	got := f.files.files[file.ID]
	if got.Status != domain.FileStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", got.Status, got.ErrorMessage)
	}
	if got.LoadedCount != 0 || got.RejectedCount != 2 {
		t.Fatalf("unexpected counters: %+v", got)
	}

	ledger, _ := f.errs.ListByFile(context.Background(), file.ID, 100, 0)
	if len(ledger) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d: %+v", len(ledger), ledger)
	}
	kinds := map[domain.ErrorKind]int{}
	for _, e := range ledger {
		kinds[e.Kind] = e.RowNumber
	}
	if kinds[domain.ErrorKindRequired] != 1 || kinds[domain.ErrorKindDuplicate] != 2 {
		t.Fatalf("unexpected ledger kinds: %+v", ledger)
	}
}

func TestProcessFinalizesRunInOneTransaction(t *testing.T) {
	f := newFixture(t, newStubStore())
	file := f.submit(t, "customers.csv", domain.FileTypeCSV, "customers",
		"customer_code,name\nC001,John\n")

	if err := f.service.Process(context.Background(), file.ID); err != nil {
		t.Fatalf("process returned error: %v", err)
	}

	if f.uow.txCalls != 1 {
		t.Fatalf("expected one finalization transaction, got %d", f.uow.txCalls)
	}
	if got := f.files.files[file.ID]; got.Status != domain.FileStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if _, err := f.results.GetByFile(context.Background(), file.ID); err != nil {
		t.Fatalf("expected load result after finalization: %v", err)
	}
}

func TestProcessFinalizationFailureMarksRunFailed(t *testing.T) {
	f := newFixture(t, newStubStore())
	file := f.submit(t, "customers.csv", domain.FileTypeCSV, "customers",
		"customer_code,name\nC001,John\n")

	f.results.failUpsert = errors.New("disk full")
	if err := f.service.Process(context.Background(), file.ID); err == nil {
		t.Fatalf("expected process to fail when finalization cannot commit")
	}

	got := f.files.files[file.ID]
	if got.Status != domain.FileStatusFailed || got.ErrorMessage == "" {
		t.Fatalf("expected failed with reason, got %+v", got)
	}
	if _, err := f.results.GetByFile(context.Background(), file.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("no load result may survive a failed finalization, got %v", err)
	}
}

func TestProcessAttributesDuplicatesWithoutStoreDetail(t *testing.T) {
	store := newStubStore("C001")
	store.blankDetail = true
	f := newFixture(t, store)
	file := f.submit(t, "customers.csv", domain.FileTypeCSV, "customers",
		"customer_code,name,email\nC001,Jane,jane@x.com\n")

	if err := f.service.Process(context.Background(), file.ID); err != nil {
		t.Fatalf("process returned error: %v", err)
	}

	ledger, _ := f.errs.ListByFile(context.Background(), file.ID, 100, 0)
	if len(ledger) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d: %+v", len(ledger), ledger)
	}
	entry := ledger[0]
	if entry.Kind != domain.ErrorKindDuplicate || entry.FieldName != "customer_code" || entry.FieldValue != "C001" {
		t.Fatalf("duplicate without store detail should carry the declared unique field: %+v", entry)
	}
}

func TestProcessFatalParseFailsWithoutPartialState(t *testing.T) {
	f := newFixture(t, newStubStore())
	file := f.submit(t, "broken.csv", domain.FileTypeCSV, "customers",
		"customer_code,name\n\"C001,John\nC002,Jane\n")

	if err := f.service.Process(context.Background(), file.ID); err == nil {
		t.Fatalf("expected process to fail on malformed input")
	}

	got := f.files.files[file.ID]
	if got.Status != domain.FileStatusFailed || got.ErrorMessage == "" {
		t.Fatalf("expected failed with reason, got %+v", got)
	}
	if f.store.inserted != 0 {
		t.Fatalf("no rows may load from a malformed file")
	}
	if len(f.errs.errs) != 0 {
		t.Fatalf("no ledger entries may exist for a malformed file: %+v", f.errs.errs)
	}
	if _, err := f.results.GetByFile(context.Background(), file.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("no load result may exist for a failed run, got %v", err)
	}
}

func TestProcessReprocessClearsStaleErrors(t *testing.T) {
	f := newFixture(t, newStubStore())
	file := f.submit(t, "customers.csv", domain.FileTypeCSV, "customers",
		"customer_code,name,email\nC001,John,bad-email\nC002,Jane,jane@x.com\n")

	f.store.failWith = errors.New("connection reset")
	if err := f.service.Process(context.Background(), file.ID); err == nil {
		t.Fatalf("expected first run to fail")
	}
	if f.files.files[file.ID].Status != domain.FileStatusFailed {
		t.Fatalf("expected failed after store outage")
	}

	f.store.failWith = nil
	if err := f.service.Process(context.Background(), file.ID); err != nil {
		t.Fatalf("reprocess returned error: %v", err)
	}

	got := f.files.files[file.ID]
	if got.Status != domain.FileStatusCompleted || got.LoadedCount != 1 || got.RejectedCount != 1 {
		t.Fatalf("unexpected state after reprocess: %+v", got)
	}
	// The failed run's ledger entries were cleared, not accumulated.
	ledger, _ := f.errs.ListByFile(context.Background(), file.ID, 100, 0)
	if len(ledger) != 1 {
		t.Fatalf("expected 1 ledger entry after reprocess, got %d: %+v", len(ledger), ledger)
	}
	if f.errs.deleteCalls != 2 {
		t.Fatalf("expected ledger cleared on every run start, got %d clears", f.errs.deleteCalls)
	}
}

func TestProcessRejectsCompletedFiles(t *testing.T) {
	f := newFixture(t, newStubStore())
	file := f.submit(t, "customers.csv", domain.FileTypeCSV, "customers",
		"customer_code,name\nC001,John\n")

	if err := f.service.Process(context.Background(), file.ID); err != nil {
		t.Fatalf("process returned error: %v", err)
	}
	if err := f.service.Process(context.Background(), file.ID); !errors.Is(err, repository.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for a completed file, got %v", err)
	}
}

func TestProcessCancellationMarksRunFailed(t *testing.T) {
	f := newFixture(t, newStubStore())
	file := f.submit(t, "customers.csv", domain.FileTypeCSV, "customers",
		"customer_code,name\nC001,John\nC002,Jane\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := f.service.Process(ctx, file.ID); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	got := f.files.files[file.ID]
	if got.Status != domain.FileStatusFailed {
		t.Fatalf("cancelled run must be recorded as failed, got %s", got.Status)
	}
	if !strings.HasPrefix(got.ErrorMessage, "run cancelled:") {
		t.Fatalf("unexpected failure reason: %q", got.ErrorMessage)
	}
	if f.store.inserted != 0 {
		t.Fatalf("no rows may load after cancellation")
	}
}

func TestProcessDetectsTableFromHeaders(t *testing.T) {
	f := newFixture(t, newStubStore())
	file := f.submit(t, "mystery.csv", domain.FileTypeCSV, "",
		"customer_code,name,email\nC001,John,john@x.com\n")

	if err := f.service.Process(context.Background(), file.ID); err != nil {
		t.Fatalf("process returned error: %v", err)
	}
	if got := f.files.files[file.ID]; got.Status != domain.FileStatusCompleted || got.LoadedCount != 1 {
		t.Fatalf("header detection failed: %+v", got)
	}
}

func TestProcessUnknownTableFails(t *testing.T) {
	f := newFixture(t, newStubStore())
	file := f.submit(t, "customers.csv", domain.FileTypeCSV, "invoices",
		"customer_code,name\nC001,John\n")

	if err := f.service.Process(context.Background(), file.ID); !errors.Is(err, ErrUnknownTable) {
		t.Fatalf("expected ErrUnknownTable, got %v", err)
	}
	if got := f.files.files[file.ID]; got.Status != domain.FileStatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
}

func TestSubmitStoresPayloadAsUploaded(t *testing.T) {
	f := newFixture(t, newStubStore())
	file := f.submit(t, "customers.csv", domain.FileTypeCSV, "Customers", "customer_code\nC001\n")

	if file.Status != domain.FileStatusUploaded {
		t.Fatalf("expected uploaded status, got %s", file.Status)
	}
	if file.TableName != "customers" {
		t.Fatalf("table name should be normalized, got %q", file.TableName)
	}
	if file.SizeBytes != int64(len("customer_code\nC001\n")) {
		t.Fatalf("unexpected size: %d", file.SizeBytes)
	}
	if _, ok := f.files.files[file.ID]; !ok {
		t.Fatalf("file record not created")
	}
}

func TestSubmitRejectsEmptyPayload(t *testing.T) {
	f := newFixture(t, newStubStore())
	if _, err := f.service.Submit(context.Background(), "empty.csv", domain.FileTypeCSV, "customers", strings.NewReader("")); err == nil {
		t.Fatalf("expected error for empty upload")
	}
}

func TestPreviewValidatesWithoutLoading(t *testing.T) {
	f := newFixture(t, newStubStore())

	result, err := f.service.Preview(context.Background(), PreviewRequest{
		FileType:  domain.FileTypeCSV,
		TableName: "customers",
		Data: strings.NewReader("customer_code,name,email\n" +
			"C001,John,john@x.com\n" +
			"C002,Jane,bad-email\n"),
	})
	if err != nil {
		t.Fatalf("preview returned error: %v", err)
	}

	if result.Table != "customers" || result.TotalRows != 2 || result.ValidRows != 1 || result.InvalidRows != 1 {
		t.Fatalf("unexpected preview result: %+v", result)
	}
	if len(result.SampleErrors) != 1 || result.SampleErrors[0].Kind != domain.ErrorKindFormat {
		t.Fatalf("unexpected sample errors: %+v", result.SampleErrors)
	}
	if f.store.inserted != 0 {
		t.Fatalf("preview must not load rows")
	}
	if len(f.errs.errs) != 0 {
		t.Fatalf("preview must not write ledger entries")
	}
}

func TestPreviewCapsSampleErrors(t *testing.T) {
	f := newFixture(t, newStubStore())

	var sb strings.Builder
	sb.WriteString("customer_code,name,email\n")
	for i := 0; i < 20; i++ {
		sb.WriteString(fmt.Sprintf("C%03d,Joe,bad-email-%d\n", i, i))
	}

	result, err := f.service.Preview(context.Background(), PreviewRequest{
		FileType:  domain.FileTypeCSV,
		TableName: "customers",
		Data:      strings.NewReader(sb.String()),
		Limit:     5,
	})
	if err != nil {
		t.Fatalf("preview returned error: %v", err)
	}
	if result.InvalidRows != 20 || len(result.SampleErrors) != 5 {
		t.Fatalf("unexpected preview result: %+v", result)
	}
}
