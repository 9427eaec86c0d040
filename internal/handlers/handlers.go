package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Brownie44l1/plant-health/internal/imageproc"
	"github.com/Brownie44l1/plant-health/internal/model"
)

const defaultMaxUpload = 5 << 20

// uploadExtensions are kept as given; anything else is renamed after the
// decoded format.
var uploadExtensions = map[string]bool{
	".bmp": true, ".gif": true, ".jpeg": true, ".jpg": true, ".png": true, ".webp": true, ".tif": true, ".tiff": true,
}

type Options struct {
	UploadDir      string
	MaxUploadBytes int64
	Log            *logrus.Entry
}

type Handler struct {
	classifier *model.Classifier
	uploadDir  string
	maxUpload  int64
	log        *logrus.Entry
	now        func() time.Time
}

// ImageResponse is the reply to an image upload.
type ImageResponse struct {
	ImageURL    string             `json:"imageUrl"`
	Analysis    string             `json:"analysis"`
	Label       string             `json:"label"`
	Confidence  float64            `json:"confidence"`
	Predictions map[string]float32 `json:"predictions"`
}

func NewHandler(classifier *model.Classifier, opts Options) *Handler {
	h := &Handler{
		classifier: classifier,
		uploadDir:  opts.UploadDir,
		maxUpload:  opts.MaxUploadBytes,
		log:        opts.Log,
		now:        time.Now,
	}
	if h.maxUpload <= 0 {
		h.maxUpload = defaultMaxUpload
	}
	if h.log == nil {
		h.log = logrus.NewEntry(logrus.StandardLogger())
	}
	return h
}

// Register installs every route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/predict", h.Predict)
	mux.HandleFunc("/predict/image", h.PredictFromImage)
	mux.HandleFunc("/upload", h.PredictFromImage)
	mux.Handle("/uploads/", http.StripPrefix("/uploads/", http.FileServer(http.Dir(h.uploadDir))))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	meta := h.classifier.Metadata()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "healthy",
		"classes":    len(h.classifier.Labels()),
		"image_size": meta.ImageSize,
		"model":      meta.ModelBase,
		"epochs":     meta.Epochs,
	})
}

// Predict classifies a preprocessed CHW image sent as a JSON float array.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req model.PredictionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if expected := h.classifier.InputSize(); len(req.Image) != expected {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("expected %d values, got %d", expected, len(req.Image)))
		return
	}

	pred, err := h.classifier.Predict(req.Image)
	if err != nil {
		h.log.WithError(err).Error("prediction failed")
		writeError(w, http.StatusInternalServerError, "prediction failed")
		return
	}
	writeJSON(w, http.StatusOK, pred.Response())
}

// PredictFromImage stores an uploaded image under the upload directory and
// classifies it.
func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// Leave room for the multipart envelope around the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+1<<20)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", h.maxUpload))
			return
		}
		writeError(w, http.StatusBadRequest, "malformed multipart form")
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no image file provided, use 'image' as the form field name")
		return
	}
	defer file.Close()

	if header.Size > h.maxUpload {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("image exceeds %d bytes", h.maxUpload))
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}

	log := h.log.WithFields(logrus.Fields{"file": header.Filename, "size": header.Size})

	img, err := imageproc.Decode(bytes.NewReader(data))
	if err != nil {
		log.WithError(err).Debug("rejected upload")
		writeError(w, http.StatusBadRequest, "invalid image")
		return
	}

	name, err := h.store(header.Filename, data)
	if err != nil {
		log.WithError(err).Error("failed to store upload")
		writeError(w, http.StatusInternalServerError, "failed to store image")
		return
	}

	pred, err := h.classifier.PredictImage(img)
	if err != nil {
		log.WithError(err).Error("prediction failed")
		writeError(w, http.StatusInternalServerError, "analyzer failed")
		return
	}
	log.WithFields(logrus.Fields{"stored": name, "label": pred.Label, "confidence": pred.Confidence}).Info("image classified")

	writeJSON(w, http.StatusOK, &ImageResponse{
		ImageURL:    "/uploads/" + name,
		Analysis:    pred.Analysis(),
		Label:       pred.Label,
		Confidence:  pred.Confidence,
		Predictions: pred.Probabilities,
	})
}

// store writes data as "<unix>_<8 hex>.<ext>" and returns the file name.
func (h *Handler) store(original string, data []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(original))
	if !uploadExtensions[ext] {
		ext = ".img"
		if _, format, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			ext = "." + format
		}
	}
	name := fmt.Sprintf("%d_%s%s", h.now().Unix(), strings.ReplaceAll(uuid.NewString(), "-", "")[:8], ext)

	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(h.uploadDir, name), data, 0o644); err != nil {
		return "", err
	}
	return name, nil
}
