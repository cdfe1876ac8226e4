package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/draftsmith/draftsmith/internal/csvparser"
	"github.com/draftsmith/draftsmith/internal/dispatcher"
	"github.com/draftsmith/draftsmith/internal/ledger"
	"github.com/draftsmith/draftsmith/internal/models"
	"github.com/draftsmith/draftsmith/internal/scheduler"
	"github.com/draftsmith/draftsmith/internal/template"
)

// maxUploadBytes caps the multipart dispatch request body.
const maxUploadBytes = 64 << 20

type Handler struct {
	Dispatcher  *dispatcher.Dispatcher
	Scheduler   *scheduler.Scheduler
	Ledger      *ledger.Store
	Log         *zap.Logger
	MaxContacts int
}

func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /dispatch", h.Dispatch)
	mux.HandleFunc("GET /jobs", h.ListJobs)
	mux.HandleFunc("POST /jobs", h.EnqueueJob)
	mux.HandleFunc("GET /jobs/{id}", h.GetJob)
	mux.HandleFunc("POST /jobs/{id}/pause", h.PauseJob)
	mux.HandleFunc("POST /jobs/{id}/resume", h.ResumeJob)
	mux.HandleFunc("POST /jobs/{id}/cancel", h.CancelJob)
	return mux
}

type dispatchResponse struct {
	OperationID string                    `json:"operation_id"`
	Results     []models.ProcessingResult `json:"results"`
}

// Dispatch runs a mail-merge dispatch from a multipart form: a "contacts"
// CSV file, a "template" field (or file), and an optional "attachment" file.
// The call blocks until every contact has a terminal result.
func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}

	contactsFile, _, err := r.FormFile("contacts")
	if err != nil {
		http.Error(w, "contacts file is required", http.StatusBadRequest)
		return
	}
	defer contactsFile.Close()
	contacts, err := csvparser.ParseContacts(contactsFile, h.MaxContacts)
	if err != nil {
		http.Error(w, "invalid contacts csv: "+err.Error(), http.StatusBadRequest)
		return
	}

	content := r.FormValue("template")
	if content == "" {
		tmplFile, _, err := r.FormFile("template")
		if err != nil {
			http.Error(w, "template is required", http.StatusBadRequest)
			return
		}
		defer tmplFile.Close()
		raw, err := io.ReadAll(tmplFile)
		if err != nil {
			http.Error(w, "reading template failed", http.StatusBadRequest)
			return
		}
		content = string(raw)
	}
	tmpl := models.Template{
		Name:      r.FormValue("template_name"),
		Content:   content,
		Variables: template.Variables(content),
	}

	var attachment *models.Attachment
	if attFile, header, err := r.FormFile("attachment"); err == nil {
		defer attFile.Close()
		data, err := io.ReadAll(attFile)
		if err != nil {
			http.Error(w, "reading attachment failed", http.StatusBadRequest)
			return
		}
		attachment = &models.Attachment{
			Name:        header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Content:     data,
		}
	}

	var final []models.ProcessingResult
	operationID, err := h.Dispatcher.ProcessContacts(r.Context(), contacts, tmpl, attachment, func(snap []models.ProcessingResult) {
		final = snap
	})
	if err != nil {
		h.Log.Error("dispatch failed to start", zap.Error(err))
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	if err := h.Ledger.InsertCampaign(r.Context(), operationID, tmpl.Name, len(contacts)); err != nil {
		h.Log.Error("ledger campaign insert failed", zap.Error(err))
	}
	if err := h.Ledger.RecordResults(r.Context(), operationID, final); err != nil {
		h.Log.Error("ledger results insert failed", zap.Error(err))
	}

	writeJSON(w, http.StatusOK, dispatchResponse{OperationID: operationID, Results: final})
}

type enqueueRequest struct {
	CampaignID   string    `json:"campaign_id"`
	MessageIDs   []string  `json:"message_ids"`
	RunAt        time.Time `json:"run_at"`
	FolderName   string    `json:"folder_name"`
	CategoryName string    `json:"category_name,omitempty"`
	MaxAttempts  int       `json:"max_attempts,omitempty"`
}

func (h *Handler) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job, err := h.Scheduler.Enqueue(req.CampaignID, req.MessageIDs, req.RunAt, req.FolderName, req.CategoryName, req.MaxAttempts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Scheduler.List())
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job := h.Scheduler.Get(r.PathValue("id"))
	if job == nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) PauseJob(w http.ResponseWriter, r *http.Request) {
	h.jobTransition(w, r, h.Scheduler.Pause)
}

func (h *Handler) ResumeJob(w http.ResponseWriter, r *http.Request) {
	h.jobTransition(w, r, h.Scheduler.Resume)
}

func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	h.jobTransition(w, r, h.Scheduler.Cancel)
}

func (h *Handler) jobTransition(w http.ResponseWriter, r *http.Request, op func(string) *models.SchedulerJob) {
	job := op(r.PathValue("id"))
	if job == nil {
		http.Error(w, "job not found or transition not allowed", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
