package web

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/JonMunkholm/sheetsync/internal/core"
	"github.com/JonMunkholm/sheetsync/internal/logging"
	"github.com/go-chi/chi/v5"
)

// defaultHistoryLimit caps GET /api/runs without ?limit.
const defaultHistoryLimit = 50

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 1 {
		return defaultVal
	}
	return i
}

// formFile reads the "file" part of a size-limited multipart upload.
func (s *Server) formFile(w http.ResponseWriter, r *http.Request) (multipart.File, *multipart.FileHeader, error) {
	maxSize := s.cfg.Upload.MaxFileSize
	if r.ContentLength > maxSize {
		return nil, nil, fmt.Errorf("%w: limit is %d bytes", errFileTooBig, maxSize)
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)

	if err := r.ParseMultipartForm(maxSize); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, nil, fmt.Errorf("%w: limit is %d bytes", errFileTooBig, maxSize)
		}
		return nil, nil, fmt.Errorf("%w: %v", errNoFile, err)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, nil, errNoFile
	}
	return file, header, nil
}

// handleUpload decodes the uploaded spreadsheet and starts a background run.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := s.formFile(w, r)
	if err != nil {
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}
	defer file.Close()

	runID, err := s.service.StartUpload(r.Context(), header.Filename, file)
	if err != nil {
		s.respondError(w, r, err, http.StatusUnprocessableEntity)
		return
	}

	logging.FromContext(r.Context()).Info("upload accepted",
		"file", header.Filename,
		"size", header.Size,
		"run_id", runID,
	)
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

// handlePreview returns the records a file would produce without
// touching the store.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	file, header, err := s.formFile(w, r)
	if err != nil {
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}
	defer file.Close()

	preview, err := s.service.Preview(header.Filename, file)
	if err != nil {
		s.respondError(w, r, err, http.StatusUnprocessableEntity)
		return
	}

	writeJSON(w, http.StatusOK, preview)
}

// handleRunProgress streams run progress via Server-Sent Events.
// Supports resumption via Last-Event-ID (or ?lastEventId) for reconnection.
func (s *Server) handleRunProgress(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	// The event ID is the progress percentage, allowing clients to skip
	// already-received events after reconnection.
	lastEventIDStr := r.Header.Get("Last-Event-ID")
	if lastEventIDStr == "" {
		lastEventIDStr = r.URL.Query().Get("lastEventId")
	}
	lastEventID := -1
	if lastEventIDStr != "" {
		if n, err := strconv.Atoi(lastEventIDStr); err == nil {
			lastEventID = n
		}
	}

	progressCh, err := s.service.SubscribeProgress(runID)
	if err != nil {
		s.respondError(w, r, err, http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, r, errors.New("streaming not supported"), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	var last core.RunProgress
	for {
		select {
		case progress, ok := <-progressCh:
			if !ok {
				if current, err := s.service.GetRunProgress(runID); err == nil {
					last = current
				}
				data, _ := json.Marshal(last)
				fmt.Fprintf(w, "event: complete\ndata: %s\n\n", data)
				flusher.Flush()
				return
			}
			last = progress

			// Terminal snapshots are always sent so the final phase is seen.
			if progress.Percent <= lastEventID && progress.Phase == core.PhaseRunning {
				continue
			}
			lastEventID = progress.Percent

			data, _ := json.Marshal(progress)
			fmt.Fprintf(w, "id: %d\nevent: progress\ndata: %s\n\n", progress.Percent, data)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// handleRunResult blocks until the run finishes and returns its result.
func (s *Server) handleRunResult(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.GetRunResult(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleExportFailures exports the failed outcomes of a run as CSV.
func (s *Server) handleExportFailures(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	result, err := s.service.GetRunResult(r.Context(), runID)
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}

	timestamp := time.Now().Format("20060102_150405")
	filename := fmt.Sprintf("failures_%s.csv", timestamp)
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))

	if err := writeFailuresCSV(w, result.Summary.Failures); err != nil {
		logging.FromContext(r.Context()).Error("failure export", "run_id", runID, "error", err)
	}
}

// writeFailuresCSV writes one row per failed outcome with its support code.
func writeFailuresCSV(w http.ResponseWriter, failures []core.UpdateOutcome) error {
	cw := csv.NewWriter(w)
	cw.Write([]string{"record_id", "outcome", "detail", "code"})
	for _, f := range failures {
		cw.Write([]string{f.RecordID, f.Kind.String(), f.Detail, core.OutcomeMessage(f.Kind).Code})
	}
	cw.Flush()
	return cw.Error()
}

// handleListRuns returns recent run history, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.service.ListRuns(r.Context(), parseIntParam(r, "limit", defaultHistoryLimit))
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []core.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// StatusResponse reports batch slot usage and tracked runs.
type StatusResponse struct {
	Limiter core.UploadLimiterStatus `json:"limiter"`
	Runs    []core.RunProgress       `json:"runs"`
}

// handleStatus returns the current state of the batch limiter.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Limiter: s.service.LimiterStatus(),
		Runs:    s.service.ActiveRuns(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
