package mediastore

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ayush68824/Qonv-back/internal/metrics"
)

// timeZero disables Last-Modified handling in ServeContent; objects are
// immutable and cached by name instead.
var timeZero time.Time

// Handler exposes the upload and download endpoints. Uploads return the URL a
// client then sends in a media_message; the URL's origin is the server's
// public base URL, which is also the hub's trusted media origin.
type Handler struct {
	log           *slog.Logger
	metrics       *metrics.Metrics
	store         *Store
	publicBaseURL string
}

func NewHandler(logger *slog.Logger, m *metrics.Metrics, store *Store, publicBaseURL string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Handler{
		log:           logger,
		metrics:       m,
		store:         store,
		publicBaseURL: strings.TrimSuffix(publicBaseURL, "/"),
	}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /media", h.handleUpload)
	mux.HandleFunc("GET /media/{name}", h.handleGet)
}

type uploadResponse struct {
	URL       string `json:"url"`
	MediaType string `json:"mediaType"`
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	// The multipart reader streams; only the sniff header is buffered.
	mr, err := r.MultipartReader()
	if err != nil {
		httpError(w, http.StatusBadRequest, "expected multipart form")
		return
	}

	part, err := mr.NextPart()
	if err != nil || part.FormName() != "file" {
		httpError(w, http.StatusBadRequest, "expected form field \"file\"")
		return
	}
	defer part.Close()

	name, mediaType, err := h.store.Save(part)
	switch {
	case errors.Is(err, ErrUnsupportedType):
		httpError(w, http.StatusUnsupportedMediaType, "only image, video and audio uploads are accepted")
		return
	case errors.Is(err, ErrTooLarge):
		httpError(w, http.StatusRequestEntityTooLarge, "upload too large")
		return
	case err != nil:
		h.log.Error("media upload failed", "err", err)
		httpError(w, http.StatusInternalServerError, "upload failed")
		return
	}

	h.metrics.Inc(metrics.Uploads)
	h.log.Info("media stored", "name", name, "mediaType", mediaType)

	writeJSON(w, http.StatusCreated, uploadResponse{
		URL:       h.publicBaseURL + "/media/" + name,
		MediaType: mediaType,
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	f, mediaType, err := h.store.Open(r.PathValue("name"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpError(w, http.StatusNotFound, "not found")
			return
		}
		h.log.Error("media read failed", "err", err)
		httpError(w, http.StatusInternalServerError, "read failed")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", mediaType)
	// Stored objects are immutable: the name is a UUID minted at upload.
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeContent(w, r, "", timeZero, f)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
