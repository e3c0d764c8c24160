package upload

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"murmur/cmd/security/token"
	v1 "murmur/shared/contracts/feed/v1"
)

const (
	// Multipart framing on top of the file itself.
	multipartOverhead = 64 << 10

	fileField = "file"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

// Handler serves POST /uploads and GET /files/.
type Handler struct {
	log    *slog.Logger
	store  *DirStore
	tokens token.Verifier
	now    func() time.Time
}

// NewHandler serves store over HTTP. With a nil verifier the bearer token is taken as the
// user id, matching the gateway's dev identity mode.
func NewHandler(log *slog.Logger, store *DirStore, tokens token.Verifier) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		log:    log,
		store:  store,
		tokens: tokens,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Register mounts the upload and download routes.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/uploads", h.handleUpload)
	mux.Handle("/files/", http.StripPrefix("/files/", h.files()))
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST only")
		return
	}

	user, ok := h.authenticate(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, v1.CodeUnauthorized, "valid bearer token required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.store.MaxBytes()+multipartOverhead)
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, v1.CodeBadRequest, "multipart/form-data required")
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, v1.CodeBadRequest, "missing file field")
			return
		}
		if err != nil {
			h.writeReadError(w, err)
			return
		}
		if part.FormName() != fileField {
			_ = part.Close()
			continue
		}

		att, err := h.store.Upload(r.Context(), user, part.FileName(), part.Header.Get("Content-Type"), part)
		_ = part.Close()
		if err != nil {
			h.writeStoreError(w, user, err)
			return
		}

		h.log.Info("upload.stored", "user", user, "size", att.SizeBytes, "mime", att.MimeType)
		writeJSON(w, http.StatusCreated, att)
		return
	}
}

func (h *Handler) writeReadError(w http.ResponseWriter, err error) {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", "file too large")
		return
	}
	writeError(w, http.StatusBadRequest, v1.CodeBadRequest, "malformed multipart body")
}

func (h *Handler) writeStoreError(w http.ResponseWriter, user string, err error) {
	var tooBig *http.MaxBytesError
	switch {
	case errors.Is(err, ErrTooLarge), errors.As(err, &tooBig):
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", "file too large")
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, v1.CodeBadRequest, err.Error())
	default:
		h.log.Error("upload.fail", "user", user, "err", err)
		writeError(w, http.StatusInternalServerError, v1.CodeInternal, "internal error")
	}
}

func (h *Handler) authenticate(r *http.Request) (string, bool) {
	scheme, raw, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	if h.tokens == nil {
		return raw, v1.ValidUserID(raw)
	}
	claims, err := h.tokens.Verify(raw, h.now())
	if err != nil {
		h.log.Info("upload.reject.auth", "err", err, "remote", r.RemoteAddr)
		return "", false
	}
	return claims.UserID, true
}

// files serves stored files without directory listings.
func (h *Handler) files() http.Handler {
	fs := http.FileServerFS(os.DirFS(h.store.Root()))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		p := r.URL.Path
		if p == "" || strings.HasSuffix(p, "/") || strings.Contains(p, "/.") || strings.HasPrefix(p, ".") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		fs.ServeHTTP(w, r)
	})
}
