package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/bloodgroup/internal/bloodgroup"
	"github.com/example/bloodgroup/internal/imageprocessor"
	"github.com/example/bloodgroup/internal/inference"
	"github.com/example/bloodgroup/internal/logging"
	"github.com/example/bloodgroup/internal/repository"
)

type stubRepository struct {
	saved     []*repository.PatientRecord
	saveErr   error
	findCalls int
	counts    []repository.GroupCount
	listArgs  [2]int
}

func (s *stubRepository) CreatePatient(ctx context.Context, record *repository.PatientRecord) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	record.ID = uint(len(s.saved) + 1)
	s.saved = append(s.saved, record)
	return nil
}

func (s *stubRepository) FindLatestByName(ctx context.Context, fullname string) (*repository.PatientRecord, error) {
	s.findCalls++
	for i := len(s.saved) - 1; i >= 0; i-- {
		if s.saved[i].Fullname == fullname {
			copied := *s.saved[i]
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *stubRepository) ListPatients(ctx context.Context, limit, offset int) ([]*repository.PatientRecord, error) {
	s.listArgs = [2]int{limit, offset}
	return s.saved, nil
}

func (s *stubRepository) CountByGroup(ctx context.Context) ([]repository.GroupCount, error) {
	return s.counts, nil
}

type stubCache struct {
	values  map[string]string
	setErrs []error
	getErrs []error
	setKeys []string
	getKeys []string
}

func newStubCache() *stubCache {
	return &stubCache{values: map[string]string{}}
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) > 0 {
		err := s.setErrs[0]
		s.setErrs = s.setErrs[1:]
		if err != nil {
			return err
		}
	}
	s.values[key] = value.(string)
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	if len(s.getErrs) > 0 {
		err := s.getErrs[0]
		s.getErrs = s.getErrs[1:]
		if err != nil {
			return "", err
		}
	}
	value, ok := s.values[key]
	if !ok {
		return "", ErrCacheMiss
	}
	return value, nil
}

func (s *stubCache) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := s.values[key]
	return ok, nil
}

type stubClassifier struct {
	result inference.Result
	err    error
	calls  int
}

func (s *stubClassifier) Classify(ctx context.Context, imageBytes []byte) (inference.Result, error) {
	s.calls++
	if s.err != nil {
		return inference.Result{}, s.err
	}
	return s.result, nil
}

type stubImageStore struct {
	saved []string
	err   error
}

func (s *stubImageStore) Save(ctx context.Context, filename string, data []byte) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	path := "/uploads/" + filename
	s.saved = append(s.saved, path)
	return path, nil
}

type stubRenderer struct {
	rendered []*repository.PatientRecord
}

func (s *stubRenderer) Render(record *repository.PatientRecord) ([]byte, error) {
	s.rendered = append(s.rendered, record)
	return []byte("%PDF-" + record.PredictedGroup), nil
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func bPositive() inference.Result {
	return inference.Result{Label: "B+", RawScores: bloodgroup.Scores{0.1, -1, 0.2, 0, 3.5, 1, 0.3, -2}}
}

type fixture struct {
	repo       *stubRepository
	cache      *stubCache
	classifier *stubClassifier
	images     *stubImageStore
	renderer   *stubRenderer
	uc         *PatientUseCase
}

func newFixture() *fixture {
	f := &fixture{
		repo:       &stubRepository{},
		cache:      newStubCache(),
		classifier: &stubClassifier{result: bPositive()},
		images:     &stubImageStore{},
		renderer:   &stubRenderer{},
	}
	f.uc = NewPatientUseCase(f.classifier, "model-1", f.repo, f.images, f.cache, f.renderer, zap.NewNop())
	return f
}

var jane = PatientInput{Fullname: " Jane Doe ", Age: 34, Phone: "555-0100", Email: "jane@example.com"}

func TestPredictStoresRecord(t *testing.T) {
	f := newFixture()

	pred, err := f.uc.Predict(context.Background(), jane, "print.png", []byte("image"))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if pred.Cached {
		t.Fatalf("first prediction must not be cached")
	}
	if pred.Result.Label != "B+" || pred.Record.PredictedGroup != "B+" {
		t.Fatalf("unexpected label: %+v", pred)
	}
	if len(f.repo.saved) != 1 {
		t.Fatalf("expected one saved record, got %d", len(f.repo.saved))
	}
	rec := f.repo.saved[0]
	if rec.Fullname != "Jane Doe" {
		t.Fatalf("expected trimmed name, got %q", rec.Fullname)
	}
	if rec.ImagePath != "/uploads/print.png" {
		t.Fatalf("unexpected image path %q", rec.ImagePath)
	}
	if len(rec.ImageSHA1) != 40 {
		t.Fatalf("expected hex sha1, got %q", rec.ImageSHA1)
	}
	if rec.RequestID != pred.RequestID {
		t.Fatalf("record request id %q differs from %q", rec.RequestID, pred.RequestID)
	}
	if _, ok := f.cache.values[predictionKey("model-1", rec.ImageSHA1)]; !ok {
		t.Fatalf("expected prediction cached, keys %v", f.cache.setKeys)
	}
	for _, key := range f.cache.setKeys {
		if strings.HasPrefix(key, "patient:") {
			t.Fatalf("records must not be cached, got key %q", key)
		}
	}
}

func TestPredictReusesCachedClassification(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.uc.Predict(ctx, jane, "a.png", []byte("same")); err != nil {
		t.Fatalf("first predict: %v", err)
	}
	pred, err := f.uc.Predict(ctx, PatientInput{Fullname: "John Roe"}, "b.png", []byte("same"))
	if err != nil {
		t.Fatalf("second predict: %v", err)
	}
	if f.classifier.calls != 1 {
		t.Fatalf("expected single classifier call, got %d", f.classifier.calls)
	}
	if !pred.Cached || pred.Result != bPositive() {
		t.Fatalf("expected cached identical result, got %+v", pred)
	}
	if len(f.repo.saved) != 2 {
		t.Fatalf("every prediction appends a record, got %d", len(f.repo.saved))
	}
}

func TestPredictCacheIsScopedByModel(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if _, err := f.uc.Predict(ctx, jane, "a.png", []byte("same")); err != nil {
		t.Fatalf("predict: %v", err)
	}

	other := NewPatientUseCase(f.classifier, "model-2", f.repo, f.images, f.cache, f.renderer, zap.NewNop())
	pred, err := other.Predict(ctx, jane, "a.png", []byte("same"))
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if pred.Cached || f.classifier.calls != 2 {
		t.Fatalf("expected a fresh classification for another model, calls %d", f.classifier.calls)
	}
}

func TestPredictIgnoresInconsistentCacheEntry(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if _, err := f.uc.Predict(ctx, jane, "a.png", []byte("img")); err != nil {
		t.Fatalf("predict: %v", err)
	}
	for key := range f.cache.values {
		if strings.HasPrefix(key, "prediction:") {
			f.cache.values[key] = `{"label":"O-","scores":[0,0,0,0,9,0,0,0]}`
		}
	}

	pred, err := f.uc.Predict(ctx, jane, "a.png", []byte("img"))
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if pred.Cached || pred.Result.Label != "B+" {
		t.Fatalf("expected reclassification, got %+v", pred)
	}
}

func TestPredictReturnsDecodeError(t *testing.T) {
	f := newFixture()
	f.classifier.err = &imageprocessor.DecodeError{Err: errors.New("unknown format")}

	_, err := f.uc.Predict(context.Background(), jane, "a.txt", []byte("not an image"))
	var decodeErr *imageprocessor.DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "usecase.classify" {
		t.Fatalf("expected classify OperationError, got %v", err)
	}
	if len(f.repo.saved) != 0 || len(f.images.saved) != 0 {
		t.Fatalf("nothing may be stored on failure")
	}
}

func TestPredictValidatesInput(t *testing.T) {
	f := newFixture()
	cases := []PatientInput{
		{Fullname: "   "},
		{Fullname: "Jane", Age: -1},
		{Fullname: "Jane", Age: 151},
		{Fullname: "Jane", Email: "not-an-email"},
	}
	for _, in := range cases {
		_, err := f.uc.Predict(context.Background(), in, "a.png", []byte("img"))
		var invalid *InvalidInputError
		if !errors.As(err, &invalid) {
			t.Fatalf("expected InvalidInputError for %+v, got %v", in, err)
		}
	}
	if f.classifier.calls != 0 {
		t.Fatalf("classifier must not run on invalid input")
	}
}

func TestPredictSurvivesCacheFailures(t *testing.T) {
	f := newFixture()
	f.cache.getErrs = []error{errors.New("connection refused")}
	f.cache.setErrs = []error{errors.New("boom"), errors.New("boom")}

	pred, err := f.uc.Predict(context.Background(), jane, "a.png", []byte("img"))
	if err != nil {
		t.Fatalf("cache errors must not fail prediction: %v", err)
	}
	if pred.Record == nil || len(f.repo.saved) != 1 {
		t.Fatalf("expected record to be stored")
	}
}

func TestPredictRetriesTransientCacheErrors(t *testing.T) {
	f := newFixture()
	f.cache.setErrs = []error{transientRedisError{}}

	if _, err := f.uc.Predict(context.Background(), jane, "a.png", []byte("img")); err != nil {
		t.Fatalf("predict: %v", err)
	}
	if len(f.cache.setKeys) != 2 || f.cache.setKeys[0] != f.cache.setKeys[1] {
		t.Fatalf("expected retry of the same key, got %v", f.cache.setKeys)
	}
}

func TestPredictFailsWhenRecordCannotBeSaved(t *testing.T) {
	f := newFixture()
	f.repo.saveErr = errors.New("db down")

	_, err := f.uc.Predict(context.Background(), jane, "a.png", []byte("img"))
	if logging.OperationOf(err) != "usecase.save_record" {
		t.Fatalf("expected save_record failure, got %v", err)
	}
}

func TestLatestRecordReadsRepository(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.repo.saved = []*repository.PatientRecord{{ID: 9, Fullname: "Jane Doe", PredictedGroup: "AB-"}}

	first, err := f.uc.LatestRecord(ctx, "Jane Doe")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	f.repo.saved = append(f.repo.saved, &repository.PatientRecord{ID: 10, Fullname: "Jane Doe", PredictedGroup: "O+"})
	second, err := f.uc.LatestRecord(ctx, "Jane Doe")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if f.repo.findCalls != 2 {
		t.Fatalf("expected a repository lookup per call, got %d", f.repo.findCalls)
	}
	if first.ID != 9 || second.ID != 10 || second.PredictedGroup != "O+" {
		t.Fatalf("unexpected records %+v %+v", first, second)
	}
}

// gatedRepository holds the first insert after its id is assigned until
// release is closed, so a later insert can finish first.
type gatedRepository struct {
	stubRepository
	mu       sync.Mutex
	nextID   uint
	assigned chan struct{}
	release  chan struct{}
}

func (g *gatedRepository) CreatePatient(ctx context.Context, record *repository.PatientRecord) error {
	g.mu.Lock()
	g.nextID++
	record.ID = g.nextID
	g.mu.Unlock()

	if record.ID == 1 {
		close(g.assigned)
		<-g.release
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.saved = append(g.saved, record)
	return nil
}

func (g *gatedRepository) FindLatestByName(ctx context.Context, fullname string) (*repository.PatientRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var latest *repository.PatientRecord
	for _, rec := range g.saved {
		if rec.Fullname == fullname && (latest == nil || rec.ID > latest.ID) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	copied := *latest
	return &copied, nil
}

func TestLatestRecordAfterInterleavedPredictions(t *testing.T) {
	repo := &gatedRepository{assigned: make(chan struct{}), release: make(chan struct{})}
	cache := newStubCache()
	uc := NewPatientUseCase(&stubClassifier{result: bPositive()}, "model-1", repo, &stubImageStore{}, cache, &stubRenderer{}, zap.NewNop())
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := uc.Predict(ctx, jane, "first.png", []byte("first"))
		done <- err
	}()
	<-repo.assigned

	if _, err := uc.Predict(ctx, jane, "second.png", []byte("second")); err != nil {
		t.Fatalf("second predict: %v", err)
	}
	close(repo.release)
	if err := <-done; err != nil {
		t.Fatalf("first predict: %v", err)
	}

	latest, err := uc.LatestRecord(ctx, "Jane Doe")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != 2 {
		t.Fatalf("expected newest record id 2, got %d", latest.ID)
	}
}

func TestLatestRecordNotFound(t *testing.T) {
	f := newFixture()
	_, err := f.uc.LatestRecord(context.Background(), "Nobody")
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.uc.LatestRecord(context.Background(), " "); err == nil {
		t.Fatalf("expected error for empty name")
	}
}

func TestReportRendersLatestRecord(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if _, err := f.uc.Predict(ctx, jane, "a.png", []byte("img")); err != nil {
		t.Fatalf("predict: %v", err)
	}

	record, doc, err := f.uc.Report(ctx, "Jane Doe")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if string(doc) != "%PDF-B+" || record.Fullname != "Jane Doe" {
		t.Fatalf("unexpected report %q for %+v", doc, record)
	}
	if len(f.renderer.rendered) != 1 {
		t.Fatalf("expected one render, got %d", len(f.renderer.rendered))
	}
}

func TestListPatientsClampsLimit(t *testing.T) {
	f := newFixture()
	if _, err := f.uc.ListPatients(context.Background(), 1000, -5); err != nil {
		t.Fatalf("list: %v", err)
	}
	if f.repo.listArgs != [2]int{50, 0} {
		t.Fatalf("unexpected paging %v", f.repo.listArgs)
	}
}

func TestGetGroupSummary(t *testing.T) {
	f := newFixture()
	f.repo.counts = []repository.GroupCount{
		{PredictedGroup: "A+", Count: 3},
		{PredictedGroup: "O-", Count: 1},
		{PredictedGroup: "unknown", Count: 7},
	}

	summary, err := f.uc.GetGroupSummary(context.Background())
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.TotalPredictions != 4 {
		t.Fatalf("expected 4 predictions, got %d", summary.TotalPredictions)
	}
	if len(summary.ByGroup) != bloodgroup.NumClasses {
		t.Fatalf("expected every label, got %v", summary.ByGroup)
	}
	if summary.Shares["A+"] != 0.75 || summary.Shares["B+"] != 0 {
		t.Fatalf("unexpected shares %v", summary.Shares)
	}
}
