package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gberron/dmarc-analyzer/internal/aggregate"
	"github.com/gberron/dmarc-analyzer/internal/archive"
	"github.com/gberron/dmarc-analyzer/internal/domain"
	"github.com/gberron/dmarc-analyzer/internal/ingest"
	"github.com/gberron/dmarc-analyzer/internal/mailbox"
	"github.com/gberron/dmarc-analyzer/internal/parser"
	"github.com/gberron/dmarc-analyzer/internal/repository/postgres"
	"github.com/gberron/dmarc-analyzer/internal/schedule"
)

// maxUploadBytes bounds one upload body. Aggregate reports are small; a
// multi-report zip from a large provider stays well under this.
const maxUploadBytes = 64 << 20

// PollFunc runs one mailbox polling pass; the server wires it up so the
// mailbox connection is dialed fresh per poll.
type PollFunc func(ctx context.Context) (*mailbox.PollResult, error)

// Handlers carries the services the HTTP layer exposes.
type Handlers struct {
	ingestor  *ingest.Service
	engine    *aggregate.Engine
	reports   *postgres.ReportRepo
	schedules *postgres.ScheduleRepo
	settings  *postgres.MailSettingsRepo
	scheduler *schedule.Service
	pollOnce  PollFunc
}

// NewHandlers wires the handler set.
func NewHandlers(
	ingestor *ingest.Service,
	engine *aggregate.Engine,
	reports *postgres.ReportRepo,
	schedules *postgres.ScheduleRepo,
	settings *postgres.MailSettingsRepo,
	scheduler *schedule.Service,
	pollOnce PollFunc,
) *Handlers {
	return &Handlers{
		ingestor:  ingestor,
		engine:    engine,
		reports:   reports,
		schedules: schedules,
		settings:  settings,
		scheduler: scheduler,
		pollOnce:  pollOnce,
	}
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// UploadReport ingests one uploaded file (xml, gz, or zip). Accepts either
// a multipart form with a "report" field or a raw body with a filename
// query parameter.
func (h *Handlers) UploadReport(w http.ResponseWriter, r *http.Request) {
	data, filename, err := readUpload(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.ingestor.IngestUpload(r.Context(), data, filename)
	if err != nil {
		if errors.Is(err, archive.ErrUnsupportedFormat) {
			respondError(w, http.StatusUnsupportedMediaType, err.Error())
			return
		}
		var malformed *parser.MalformedReportError
		if errors.As(err, &malformed) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("[api] upload %s: %v", filename, err)
		respondError(w, http.StatusInternalServerError, "ingestion failed")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func readUpload(r *http.Request) ([]byte, string, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxUploadBytes)

	if err := r.ParseMultipartForm(maxUploadBytes); err == nil {
		file, header, err := r.FormFile("report")
		if err != nil {
			return nil, "", errors.New("missing report file field")
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return nil, "", err
		}
		return data, header.Filename, nil
	}

	data, err := io.ReadAll(r.Body)
	if err != nil || len(data) == 0 {
		return nil, "", errors.New("empty upload body")
	}
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		filename = "upload.xml"
	}
	return data, filename, nil
}

// Aggregate returns the grouped metrics for the filter in the query string.
func (h *Handlers) Aggregate(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	summary, err := h.engine.Aggregate(r.Context(), filter)
	if err != nil {
		log.Printf("[api] aggregate: %v", err)
		respondError(w, http.StatusInternalServerError, "aggregation failed")
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// ExportCSV streams the flat record rows for the filter as a CSV download.
func (h *Handlers) ExportCSV(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="dmarc-export.csv"`)
	if err := h.engine.WriteCSV(r.Context(), filter, w); err != nil {
		// Headers are out; all we can do is log.
		log.Printf("[api] csv export: %v", err)
	}
}

// ListReports returns report headers matching the filter.
func (h *Handlers) ListReports(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	reports, err := h.reports.ListReports(r.Context(), postgres.ListFilter{
		Domain: filter.Domain,
		From:   filter.From,
		To:     filter.To,
	})
	if err != nil {
		log.Printf("[api] list reports: %v", err)
		respondError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"reports": reports})
}

// GetReport returns one report with its records.
func (h *Handlers) GetReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	report, err := h.reports.GetReport(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		respondError(w, http.StatusNotFound, "report not found")
		return
	}
	if err != nil {
		log.Printf("[api] get report %s: %v", id, err)
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// DeleteReport removes a report and, by cascade, its records.
func (h *Handlers) DeleteReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.reports.DeleteReport(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		respondError(w, http.StatusNotFound, "report not found")
		return
	}
	if err != nil {
		log.Printf("[api] delete report %s: %v", id, err)
		respondError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

// ListSchedules returns every schedule.
func (h *Handlers) ListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.schedules.List(r.Context())
	if err != nil {
		log.Printf("[api] list schedules: %v", err)
		respondError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"schedules": schedules})
}

// CreateSchedule adds a recurring summary job.
func (h *Handlers) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var s domain.Schedule
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		respondError(w, http.StatusBadRequest, "invalid schedule body")
		return
	}
	if s.Name == "" || s.Recipient == "" {
		respondError(w, http.StatusBadRequest, "name and recipient are required")
		return
	}
	if err := h.schedules.Create(r.Context(), &s); err != nil {
		log.Printf("[api] create schedule: %v", err)
		respondError(w, http.StatusInternalServerError, "create failed")
		return
	}
	respondJSON(w, http.StatusCreated, s)
}

// DeleteSchedule removes a schedule.
func (h *Handlers) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.schedules.Delete(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		respondError(w, http.StatusNotFound, "schedule not found")
		return
	}
	if err != nil {
		log.Printf("[api] delete schedule %s: %v", id, err)
		respondError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

// SendScheduleNow runs one schedule immediately, regardless of dueness.
func (h *Handlers) SendScheduleNow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sched, err := h.schedules.Get(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		respondError(w, http.StatusNotFound, "schedule not found")
		return
	}
	if err != nil {
		log.Printf("[api] send schedule %s: %v", id, err)
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if err := h.scheduler.Run(r.Context(), sched, time.Now().UTC()); err != nil {
		log.Printf("[api] send schedule %s: %v", id, err)
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"sent": sched.Recipient})
}

// PollMailbox runs one mailbox polling pass on demand.
func (h *Handlers) PollMailbox(w http.ResponseWriter, r *http.Request) {
	result, err := h.pollOnce(r.Context())
	if err != nil {
		log.Printf("[api] poll: %v", err)
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// GetSettings returns the stored mail settings with the password blanked.
func (h *Handlers) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.settings.Get(r.Context())
	if err != nil {
		log.Printf("[api] get settings: %v", err)
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	settings.Password = ""
	respondJSON(w, http.StatusOK, settings)
}

// SaveSettings replaces the stored mail settings. An empty password keeps
// the previously saved one.
func (h *Handlers) SaveSettings(w http.ResponseWriter, r *http.Request) {
	var incoming domain.MailSettings
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		respondError(w, http.StatusBadRequest, "invalid settings body")
		return
	}
	if incoming.Password == "" {
		current, err := h.settings.Get(r.Context())
		if err == nil {
			incoming.Password = current.Password
		}
	}
	if err := h.settings.Save(r.Context(), &incoming); err != nil {
		log.Printf("[api] save settings: %v", err)
		respondError(w, http.StatusInternalServerError, "save failed")
		return
	}
	incoming.Password = ""
	respondJSON(w, http.StatusOK, incoming)
}

// parseFilter extracts domain/from/to query parameters. Dates accept
// YYYY-MM-DD or RFC 3339; "to" given as a bare date covers that whole day.
func parseFilter(r *http.Request) (aggregate.Filter, error) {
	f := aggregate.Filter{Domain: r.URL.Query().Get("domain")}

	if v := r.URL.Query().Get("from"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			return f, errors.New("invalid from date")
		}
		f.From = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			return f, errors.New("invalid to date")
		}
		if len(v) == len("2006-01-02") {
			t = t.AddDate(0, 0, 1).Add(-time.Second)
		}
		f.To = t
	}
	return f, nil
}

func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	return t.UTC(), err
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
