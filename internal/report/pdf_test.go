package report

import (
	"bytes"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/bloodgroup/internal/repository"
)

func sampleRecord() *repository.PatientRecord {
	return &repository.PatientRecord{
		ID:             7,
		Fullname:       "Zoë Example",
		Age:            29,
		Phone:          "+1 555 0100",
		Email:          "zoe@example.com",
		PredictedGroup: "AB-",
		CreatedAt:      time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
	}
}

func TestRenderProducesPDF(t *testing.T) {
	out, err := NewRenderer("").Render(sampleRecord())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")))
	assert.True(t, bytes.Contains(out, []byte("%%EOF")))
}

func TestRenderEmbedsReadableFingerprint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "print.png")
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 12, 12))))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	plain, err := NewRenderer("").Render(sampleRecord())
	require.NoError(t, err)

	rec := sampleRecord()
	rec.ImagePath = path
	withImage, err := NewRenderer("").Render(rec)
	require.NoError(t, err)
	assert.Greater(t, len(withImage), len(plain))
	assert.True(t, bytes.Contains(withImage, []byte("/Subtype /Image")))
}

func TestRenderSkipsMissingFingerprint(t *testing.T) {
	rec := sampleRecord()
	rec.ImagePath = filepath.Join(t.TempDir(), "gone.png")
	out, err := NewRenderer("Custom").Render(rec)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(out, []byte("/Subtype /Image")))
}

func TestRenderRejectsNil(t *testing.T) {
	_, err := NewRenderer("").Render(nil)
	assert.Error(t, err)
}

func TestFilename(t *testing.T) {
	assert.Equal(t, "Jane_Doe_report.pdf", Filename("Jane Doe"))
	assert.Equal(t, "x_report.pdf", Filename("../x"))
}
