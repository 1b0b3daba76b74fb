package intake

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rpattn/surveyingest/internal/auth"
	"github.com/rpattn/surveyingest/internal/domain"
	"github.com/rpattn/surveyingest/internal/logger"
	"github.com/rpattn/surveyingest/internal/tabular"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// multipartOverhead is allowed on top of the file size for form boundaries
// and other fields.
const multipartOverhead = 1 << 20

// Handler exposes intake over HTTP.
type Handler struct {
	service *Service
	log     *logger.Logger
}

// NewHTTPHandler wraps the service.
func NewHTTPHandler(service *Service, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{service: service, log: log.With("component", "intake_http")}
}

// Register mounts the upload routes. Callers must authenticate requests first.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/uploads", h.submit).Methods(http.MethodPost)
	r.HandleFunc("/uploads/status", h.status).Methods(http.MethodGet)
	r.HandleFunc("/uploads/template", h.template).Methods(http.MethodGet)
	r.HandleFunc("/uploads/{jobId}", h.getJob).Methods(http.MethodGet)
	r.HandleFunc("/uploads/{jobId}/errors", h.listErrors).Methods(http.MethodGet)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	if err := principal.Require(auth.CapabilityIngestion); err != nil {
		h.writeError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.service.MaxUploadBytes()+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.writeError(w, h.service.tooLarge())
			return
		}
		h.writeError(w, domain.NewRequestError(domain.ErrMalformedUpload, "invalid form data: %v", err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, domain.NewRequestError(domain.ErrMalformedUpload, "No file uploaded"))
		return
	}
	defer file.Close()

	handle, err := h.service.Submit(r.Context(), SubmitRequest{
		Principal: principal,
		FileName:  header.Filename,
		Size:      header.Size,
		Data:      file,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, handle)
}

// status returns one job when jobId is given, otherwise the caller's recent jobs.
func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())

	if raw := strings.TrimSpace(r.URL.Query().Get("jobId")); raw != "" {
		h.writeJob(w, r, principal, raw)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := h.service.ListRecent(r.Context(), principal, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	h.writeJob(w, r, principal, mux.Vars(r)["jobId"])
}

func (h *Handler) writeJob(w http.ResponseWriter, r *http.Request, principal auth.Principal, rawID string) {
	jobID, err := uuid.Parse(rawID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid job id"})
		return
	}
	job, err := h.service.GetStatus(r.Context(), principal, jobID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) listErrors(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	jobID, err := uuid.Parse(mux.Vars(r)["jobId"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid job id"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	entries, err := h.service.ListErrors(r.Context(), principal, jobID, limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) template(w http.ResponseWriter, r *http.Request) {
	data, err := h.service.Template()
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", tabular.ContentTypeXLSX)
	w.Header().Set("Content-Disposition", `attachment; filename="survey-upload-template.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type errorBody struct {
	Error string `json:"error"`
}

type validationBody struct {
	Error        string       `json:"error"`
	InvalidRows  []InvalidRow `json:"invalidRows"`
	TotalInvalid int          `json:"totalInvalid"`
	CappedAt     int          `json:"cappedAt"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var failure *ValidationFailure
	if errors.As(err, &failure) {
		writeJSON(w, http.StatusBadRequest, validationBody{
			Error:        "Validation failed",
			InvalidRows:  failure.InvalidRows,
			TotalInvalid: failure.TotalInvalid,
			CappedAt:     failure.CappedAt,
		})
		return
	}

	status := statusFor(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "error", err)
		message = http.StatusText(status)
	}
	writeJSON(w, status, errorBody{Error: message})
}

func statusFor(err error) int {
	var transient *domain.TransientInfraError
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrMalformedUpload), errors.Is(err, domain.ErrEmptyUpload):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrValidationTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, domain.ErrJobNotFound):
		return http.StatusNotFound
	case errors.As(err, &transient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
