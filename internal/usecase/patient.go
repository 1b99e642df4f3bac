package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/bloodgroup/internal/bloodgroup"
	"github.com/example/bloodgroup/internal/inference"
	"github.com/example/bloodgroup/internal/logging"
	"github.com/example/bloodgroup/internal/repository"
	"github.com/example/bloodgroup/internal/storage"
)

const (
	predictionTTL = 24 * time.Hour
	maxAge        = 150
)

// Classifier predicts a blood group from image bytes. It is satisfied by the
// in-process inference.Service and by the gRPC client.
type Classifier interface {
	Classify(ctx context.Context, imageBytes []byte) (inference.Result, error)
}

// PatientRepository defines the persistence operations needed by the use case.
type PatientRepository interface {
	CreatePatient(ctx context.Context, record *repository.PatientRecord) error
	FindLatestByName(ctx context.Context, fullname string) (*repository.PatientRecord, error)
	ListPatients(ctx context.Context, limit, offset int) ([]*repository.PatientRecord, error)
	CountByGroup(ctx context.Context) ([]repository.GroupCount, error)
}

// ReportRenderer renders a stored record as a document.
type ReportRenderer interface {
	Render(record *repository.PatientRecord) ([]byte, error)
}

// PatientInput is the metadata submitted with a fingerprint.
type PatientInput struct {
	Fullname string
	Age      int
	Phone    string
	Email    string
}

// Validate trims and checks the input.
func (in *PatientInput) Validate() error {
	in.Fullname = strings.TrimSpace(in.Fullname)
	in.Phone = strings.TrimSpace(in.Phone)
	in.Email = strings.TrimSpace(in.Email)

	if in.Fullname == "" {
		return &InvalidInputError{Field: "fullname", Reason: "is required"}
	}
	if in.Age < 0 || in.Age > maxAge {
		return &InvalidInputError{Field: "age", Reason: fmt.Sprintf("must be between 0 and %d", maxAge)}
	}
	if in.Email != "" {
		if _, err := mail.ParseAddress(in.Email); err != nil {
			return &InvalidInputError{Field: "email", Reason: "is not a valid address"}
		}
	}
	return nil
}

// Prediction is the outcome of PatientUseCase.Predict.
type Prediction struct {
	RequestID string
	Result    inference.Result
	Record    *repository.PatientRecord
	Cached    bool
}

type cachedPrediction struct {
	Label  string    `json:"label"`
	Scores []float32 `json:"scores"`
}

// PatientUseCase classifies fingerprints on behalf of patients and keeps the
// records used for reports.
type PatientUseCase struct {
	cacheRetrier
	classifier Classifier
	modelID    string
	repo       PatientRepository
	images     storage.ImageStore
	cache      Cache
	renderer   ReportRenderer
	logger     *zap.Logger
	now        func() time.Time
}

// NewPatientUseCase constructs a new use case instance. modelID must change
// whenever the classifier's weights change; it scopes cached predictions.
func NewPatientUseCase(classifier Classifier, modelID string, repo PatientRepository, images storage.ImageStore, cache Cache, renderer ReportRenderer, logger *zap.Logger) *PatientUseCase {
	if cache == nil {
		cache = NoopCache{}
	}
	logger = logger.Named("patient_usecase")
	return &PatientUseCase{
		cacheRetrier: newCacheRetrier(logger),
		classifier:   classifier,
		modelID:      modelID,
		repo:         repo,
		images:       images,
		cache:        cache,
		renderer:     renderer,
		logger:       logger,
		now:          time.Now,
	}
}

// Predict classifies imageBytes, stores the upload and appends a patient
// record. The classifier's errors are returned wrapped; an undecodable image
// still unwraps to *imageprocessor.DecodeError.
func (uc *PatientUseCase) Predict(ctx context.Context, input PatientInput, filename string, imageBytes []byte) (*Prediction, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.predict", requestID)

	if err := input.Validate(); err != nil {
		return nil, err
	}

	sum := sha1.Sum(imageBytes)
	hash := hex.EncodeToString(sum[:])

	result, cached := uc.cachedPrediction(ctx, requestID, hash)
	if !cached {
		var err error
		result, err = uc.classifier.Classify(ctx, imageBytes)
		if err != nil {
			wrapped := logging.NewOperationError("usecase.classify", requestID, err)
			opLogger.Warn("classification failed", zap.Error(err))
			return nil, wrapped
		}
		uc.storePrediction(ctx, requestID, hash, result)
	}

	path, err := uc.images.Save(ctx, filename, imageBytes)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.save_image", requestID, err)
		opLogger.Error("failed to store upload", zap.Error(wrapped))
		return nil, wrapped
	}

	record := &repository.PatientRecord{
		RequestID:      requestID,
		Fullname:       input.Fullname,
		Age:            input.Age,
		Phone:          input.Phone,
		Email:          input.Email,
		ImagePath:      path,
		PredictedGroup: result.Label,
		ImageSHA1:      hash,
		CreatedAt:      uc.now().UTC(),
	}
	if err := uc.repo.CreatePatient(ctx, record); err != nil {
		wrapped := logging.NewOperationError("usecase.save_record", requestID, err)
		opLogger.Error("failed to persist patient record", zap.Error(wrapped))
		return nil, wrapped
	}

	opLogger.Info("prediction stored",
		zap.Uint("record_id", record.ID),
		zap.String("blood_group", result.Label),
		zap.Bool("cached", cached))

	return &Prediction{RequestID: requestID, Result: result, Record: record, Cached: cached}, nil
}

// LatestRecord returns the most recent record for fullname. It always reads
// the repository so concurrent predictions for one name cannot leave an older
// record visible.
func (uc *PatientUseCase) LatestRecord(ctx context.Context, fullname string) (*repository.PatientRecord, error) {
	fullname = strings.TrimSpace(fullname)
	if fullname == "" {
		return nil, &InvalidInputError{Field: "fullname", Reason: "is required"}
	}
	return uc.repo.FindLatestByName(ctx, fullname)
}

// Report renders the latest record for fullname.
func (uc *PatientUseCase) Report(ctx context.Context, fullname string) (*repository.PatientRecord, []byte, error) {
	record, err := uc.LatestRecord(ctx, fullname)
	if err != nil {
		return nil, nil, err
	}
	doc, err := uc.renderer.Render(record)
	if err != nil {
		return nil, nil, logging.NewOperationError("usecase.render_report", record.RequestID, err)
	}
	return record, doc, nil
}

// ListPatients pages through records, newest first.
func (uc *PatientUseCase) ListPatients(ctx context.Context, limit, offset int) ([]*repository.PatientRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return uc.repo.ListPatients(ctx, limit, offset)
}

func (uc *PatientUseCase) cachedPrediction(ctx context.Context, requestID, hash string) (inference.Result, bool) {
	raw, err := uc.withRedisGet(ctx, requestID, "cache.get.prediction", uc.cache, predictionKey(uc.modelID, hash))
	if err != nil {
		if !isCacheMiss(err) {
			logging.WithOperation(uc.logger, "usecase.predict", requestID).Warn("failed to read cached prediction", zap.Error(err))
		}
		return inference.Result{}, false
	}

	var payload cachedPrediction
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return inference.Result{}, false
	}
	scores, err := bloodgroup.ScoresFrom(payload.Scores)
	if err != nil || scores.Label() != payload.Label {
		return inference.Result{}, false
	}
	return inference.Result{Label: payload.Label, RawScores: scores}, true
}

func (uc *PatientUseCase) storePrediction(ctx context.Context, requestID, hash string, result inference.Result) {
	serialized, err := json.Marshal(cachedPrediction{Label: result.Label, Scores: result.RawScores[:]})
	if err != nil {
		return
	}
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.prediction", func() error {
		return uc.cache.Set(ctx, predictionKey(uc.modelID, hash), string(serialized), predictionTTL)
	}); err != nil {
		logging.WithOperation(uc.logger, "usecase.predict", requestID).Warn("failed to cache prediction", zap.Error(err))
	}
}

func predictionKey(modelID, hash string) string {
	return fmt.Sprintf("prediction:%s:%s", modelID, hash)
}
