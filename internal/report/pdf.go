// Package report renders patient prediction reports as PDF.
package report

import (
	"bytes"
	"fmt"
	"image/png"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/example/bloodgroup/internal/imageprocessor"
	"github.com/example/bloodgroup/internal/repository"
	"github.com/example/bloodgroup/internal/storage"
)

const fingerprintImage = "fingerprint"

// Renderer builds one-page PDF reports.
type Renderer struct {
	title   string
	decoder imageprocessor.RGBDecoder
}

// NewRenderer returns a renderer whose reports carry title.
func NewRenderer(title string) *Renderer {
	if strings.TrimSpace(title) == "" {
		title = "Blood Group Prediction Report"
	}
	return &Renderer{title: title, decoder: imageprocessor.StandardDecoder{}}
}

// Filename is the attachment name for a patient's report.
func Filename(fullname string) string {
	return storage.SanitizeFilename(fullname) + "_report.pdf"
}

// Render lays out the patient details and predicted group. The stored
// fingerprint is embedded when it can still be read and decoded.
func (r *Renderer) Render(rec *repository.PatientRecord) ([]byte, error) {
	if rec == nil {
		return nil, fmt.Errorf("render report: no record")
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle(r.title, true)
	pdf.SetCreator("bloodgroup", true)
	if !rec.CreatedAt.IsZero() {
		pdf.SetCreationDate(rec.CreatedAt)
	}
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.CellFormat(0, 12, tr(r.title), "", 1, "C", false, 0, "")
	pdf.Ln(4)

	rows := [][2]string{
		{"Full name", rec.Fullname},
		{"Age", strconv.Itoa(rec.Age)},
		{"Phone", rec.Phone},
		{"Email", rec.Email},
		{"Record", strconv.FormatUint(uint64(rec.ID), 10)},
		{"Recorded at", formatTime(rec.CreatedAt)},
	}
	for _, row := range rows {
		pdf.SetFont("Helvetica", "B", 12)
		pdf.CellFormat(45, 9, tr(row[0]), "1", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 12)
		pdf.CellFormat(0, 9, tr(row[1]), "1", 1, "L", false, 0, "")
	}

	pdf.Ln(6)
	pdf.SetFillColor(230, 236, 245)
	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(45, 14, "Blood group", "1", 0, "L", true, 0, "")
	pdf.SetFont("Helvetica", "B", 22)
	pdf.CellFormat(0, 14, tr(rec.PredictedGroup), "1", 1, "C", true, 0, "")

	if r.embedFingerprint(pdf, rec.ImagePath) {
		pdf.Ln(4)
	}

	pdf.Ln(6)
	pdf.SetFont("Helvetica", "I", 9)
	pdf.MultiCell(0, 5, "This prediction was produced by an automated fingerprint classifier and "+
		"must be confirmed by a laboratory blood test before any clinical use.", "", "L", false)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *Renderer) embedFingerprint(pdf *fpdf.Fpdf, path string) bool {
	if path == "" {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	img, err := r.decoder.DecodeRGB(data)
	if err != nil {
		return false
	}
	var encoded bytes.Buffer
	if err := png.Encode(&encoded, img); err != nil {
		return false
	}

	opts := fpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader(fingerprintImage, opts, &encoded)
	if !pdf.Ok() {
		pdf.ClearError()
		return false
	}
	pdf.Ln(6)
	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(0, 8, "Fingerprint", "", 1, "L", false, 0, "")
	pdf.ImageOptions(fingerprintImage, pdf.GetX(), pdf.GetY(), 50, 0, true, opts, 0, "")
	return true
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04 MST")
}
