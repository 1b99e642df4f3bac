package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/bloodgroup/internal/auth"
	"github.com/example/bloodgroup/internal/imageprocessor"
	"github.com/example/bloodgroup/internal/logging"
	"github.com/example/bloodgroup/internal/report"
	"github.com/example/bloodgroup/internal/repository"
	"github.com/example/bloodgroup/internal/usecase"
)

// MaxUploadSize is the largest accepted fingerprint upload.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for the form fields around the file part.
const multipartOverhead = 1 << 20

var allowedImageTypes = map[string]bool{
	"image/png":                true,
	"image/jpeg":               true,
	"image/gif":                true,
	"image/bmp":                true,
	"image/x-ms-bmp":           true,
	"image/tiff":               true,
	"image/webp":               true,
	"application/octet-stream": true,
}

// PatientService is the patient workflow exposed over HTTP.
type PatientService interface {
	Predict(ctx context.Context, input usecase.PatientInput, filename string, imageBytes []byte) (*usecase.Prediction, error)
	Report(ctx context.Context, fullname string) (*repository.PatientRecord, []byte, error)
	ListPatients(ctx context.Context, limit, offset int) ([]*repository.PatientRecord, error)
	GetGroupSummary(ctx context.Context) (*usecase.GroupSummary, error)
}

// AccountService is the account workflow exposed over HTTP.
type AccountService interface {
	Signup(ctx context.Context, input usecase.SignupInput) (*repository.User, error)
	Login(ctx context.Context, email, password string) (*usecase.Session, error)
	AdminLogin(ctx context.Context, email, password string) (*usecase.Session, error)
	Logout(ctx context.Context, claims *auth.Claims) error
}

type signupRequest struct {
	Fullname        string `form:"fullname" json:"fullname"`
	Email           string `form:"email" json:"email"`
	Password        string `form:"password" json:"password"`
	ConfirmPassword string `form:"confirm_password" json:"confirm_password"`
}

type loginRequest struct {
	Email    string `form:"email" json:"email"`
	Password string `form:"password" json:"password"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, patients PatientService, accounts AccountService, authMiddleware gin.HandlerFunc, logger *zap.Logger) {
	h := &handler{patients: patients, accounts: accounts, logger: logger.Named("http")}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/signup", h.signup)
	router.POST("/login", h.login)
	router.POST("/admin/login", h.adminLogin)

	protected := router.Group("/", authMiddleware)
	protected.POST("/logout", h.logout)
	protected.POST("/predict", h.predict)
	protected.GET("/reports/:name", h.report)

	admin := router.Group("/admin", authMiddleware, auth.RequireRole(repository.RoleAdmin))
	admin.GET("/patients", h.listPatients)
	admin.GET("/summary", h.summary)
}

type handler struct {
	patients PatientService
	accounts AccountService
	logger   *zap.Logger
}

func (h *handler) signup(c *gin.Context) {
	var req signupRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	user, err := h.accounts.Signup(c.Request.Context(), usecase.SignupInput{
		Fullname:        req.Fullname,
		Email:           req.Email,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
	})
	if err != nil {
		h.writeError(c, "http.signup", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":       user.ID,
		"fullname": user.Fullname,
		"email":    user.Email,
		"role":     user.Role,
	})
}

func (h *handler) login(c *gin.Context) {
	h.authenticate(c, "http.login", h.accounts.Login)
}

func (h *handler) adminLogin(c *gin.Context) {
	h.authenticate(c, "http.admin_login", h.accounts.AdminLogin)
}

func (h *handler) authenticate(c *gin.Context, operation string, login func(ctx context.Context, email, password string) (*usecase.Session, error)) {
	var req loginRequest
	if err := c.ShouldBind(&req); err != nil || req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}

	session, err := login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(c, operation, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *handler) logout(c *gin.Context) {
	claims, ok := auth.GetClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	if err := h.accounts.Logout(c.Request.Context(), claims); err != nil {
		h.writeError(c, "http.logout", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) predict(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)
	if err := c.Request.ParseMultipartForm(MaxUploadSize); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}

	file, err := c.FormFile("fingerprint")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "fingerprint file is required"})
		return
	}
	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
		return
	}

	input := usecase.PatientInput{
		Fullname: c.PostForm("fullname"),
		Phone:    c.PostForm("phone"),
		Email:    c.PostForm("email"),
	}
	if input.Fullname == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "fullname is required"})
		return
	}
	age, err := strconv.Atoi(strings.TrimSpace(c.PostForm("age")))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "age must be a whole number"})
		return
	}
	input.Age = age

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open fingerprint"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read fingerprint"})
		return
	}
	if !isAllowedImageType(file.Header.Get("Content-Type"), data) {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported image type"})
		return
	}

	pred, err := h.patients.Predict(c.Request.Context(), input, file.Filename, data)
	if err != nil {
		h.writeError(c, "http.predict", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"request_id":    pred.RequestID,
		"record_id":     pred.Record.ID,
		"fullname":      pred.Record.Fullname,
		"blood_group":   pred.Result.Label,
		"probabilities": pred.Result.Probabilities(),
		"cached":        pred.Cached,
	})
}

func (h *handler) report(c *gin.Context) {
	name := strings.TrimSpace(c.Param("name"))
	record, doc, err := h.patients.Report(c.Request.Context(), name)
	if err != nil {
		h.writeError(c, "http.report", err)
		return
	}

	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": report.Filename(record.Fullname),
	}))
	c.Data(http.StatusOK, "application/pdf", doc)
}

func (h *handler) listPatients(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a whole number"})
		return
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a whole number"})
		return
	}

	records, err := h.patients.ListPatients(c.Request.Context(), limit, offset)
	if err != nil {
		h.writeError(c, "http.list_patients", err)
		return
	}
	if records == nil {
		records = []*repository.PatientRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"patients": records})
}

func (h *handler) summary(c *gin.Context) {
	summary, err := h.patients.GetGroupSummary(c.Request.Context())
	if err != nil {
		h.writeError(c, "http.summary", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handler) writeError(c *gin.Context, operation string, err error) {
	var (
		invalid   *usecase.InvalidInputError
		decodeErr *imageprocessor.DecodeError
	)
	switch {
	case errors.As(err, &invalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": invalid.Error()})
	case errors.As(err, &decodeErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "fingerprint is not a readable image"})
	case errors.Is(err, usecase.ErrPasswordMismatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, usecase.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, repository.ErrDuplicateEmail):
		c.JSON(http.StatusConflict, gin.H{"error": "email already registered"})
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
	default:
		logging.WithOperation(h.logger, operation, logging.RequestIDOf(err)).Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// isAllowedImageType checks the part's declared Content-Type against the
// allow-list. A part without one is judged by sniffing its first 512 bytes.
func isAllowedImageType(contentType string, data []byte) bool {
	if strings.TrimSpace(contentType) == "" {
		contentType = http.DetectContentType(data)
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return allowedImageTypes[strings.ToLower(mediaType)]
}
