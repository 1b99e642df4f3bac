package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PatientRecord is one classification stored with the patient's details.
// Rows are append-only: a returning patient gets a new row per prediction.
type PatientRecord struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	RequestID      string    `gorm:"column:request_id;uniqueIndex;size:64" json:"request_id"`
	Fullname       string    `gorm:"column:fullname;index;size:255;not null" json:"fullname"`
	Age            int       `gorm:"column:age" json:"age"`
	Phone          string    `gorm:"column:phone;size:32" json:"phone"`
	Email          string    `gorm:"column:email;size:255" json:"email"`
	ImagePath      string    `gorm:"column:file_path;size:512" json:"image_path"`
	PredictedGroup string    `gorm:"column:blood_group;size:3;index" json:"predicted_group"`
	ImageSHA1      string    `gorm:"column:image_sha1;size:40;index" json:"image_sha1"`
	CreatedAt      time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName overrides the default table name.
func (PatientRecord) TableName() string {
	return "patients"
}

// GroupCount is the number of stored predictions for one blood group.
type GroupCount struct {
	PredictedGroup string
	Count          int64
}

// PatientRepository persists patient records.
type PatientRepository struct {
	retrier
	db *gorm.DB
}

// NewPatientRepository creates a new repository instance.
func NewPatientRepository(db *gorm.DB, logger *zap.Logger) *PatientRepository {
	return &PatientRepository{retrier: newRetrier(logger.Named("patient_repository")), db: db}
}

// CreatePatient inserts record and fills in its ID.
func (r *PatientRepository) CreatePatient(ctx context.Context, record *PatientRecord) error {
	return r.executeWithRetry(ctx, "repository.create_patient", record.RequestID, func() error {
		return r.db.WithContext(ctx).Create(record).Error
	})
}

// FindLatestByName returns the most recently inserted record for fullname.
func (r *PatientRepository) FindLatestByName(ctx context.Context, fullname string) (*PatientRecord, error) {
	var record PatientRecord
	err := r.executeWithRetry(ctx, "repository.find_latest_by_name", "", func() error {
		return r.db.WithContext(ctx).
			Where("fullname = ?", fullname).
			Order("id DESC").
			First(&record).Error
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ListPatients returns records newest first.
func (r *PatientRepository) ListPatients(ctx context.Context, limit, offset int) ([]*PatientRecord, error) {
	var records []*PatientRecord
	err := r.executeWithRetry(ctx, "repository.list_patients", "", func() error {
		records = records[:0]
		return r.db.WithContext(ctx).Order("id DESC").Limit(limit).Offset(offset).Find(&records).Error
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// CountByGroup aggregates stored predictions per blood group.
func (r *PatientRepository) CountByGroup(ctx context.Context) ([]GroupCount, error) {
	var counts []GroupCount
	err := r.executeWithRetry(ctx, "repository.count_by_group", "", func() error {
		counts = counts[:0]
		return r.db.WithContext(ctx).
			Model(&PatientRecord{}).
			Select("blood_group AS predicted_group, COUNT(*) AS count").
			Group("blood_group").
			Order("blood_group").
			Scan(&counts).Error
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}
