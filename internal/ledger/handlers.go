package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zombor/kbt-scanner/internal/scan"
	"github.com/zombor/kbt-scanner/internal/scanning"
	"github.com/zombor/kbt-scanner/internal/sheets"
)

const (
	maxUploadSize = int64(50 << 20)
	maxImportSize = int64(20 << 20)
)

// writeJSON writes v with the given status
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError writes a JSON error body
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeServiceError maps service errors to HTTP statuses
func writeServiceError(w http.ResponseWriter, err error) {
	if rej, ok := scan.AsRejection(err); ok {
		status := http.StatusUnprocessableEntity
		switch rej.Reason {
		case scan.Duplicate:
			status = http.StatusConflict
		case scan.Empty:
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]string{
			"error":  rej.Error(),
			"reason": rej.Reason.String(),
			"mode":   rej.Mode.String(),
			"value":  rej.Value,
		})
		return
	}

	var storageErr *StorageError
	var syncErr *sheets.SyncError
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrScannerDisabled), errors.Is(err, ErrSyncDisabled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, scanning.ErrNoCode):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":  "No QR code found in the image",
			"reason": "no_code",
		})
	case errors.Is(err, scan.ErrInvalidBackup):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &syncErr):
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error": syncErr.Error(),
			"kind":  syncErr.Kind.String(),
		})
	case errors.As(err, &storageErr):
		slog.Error("Storage error", "error", err)
		writeError(w, http.StatusInsufficientStorage, err.Error())
	default:
		slog.Error("Internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func confirmed(r *http.Request) bool {
	ok, _ := strconv.ParseBool(r.URL.Query().Get("confirm"))
	return ok
}

func parseModeParam(value string) (scan.Mode, error) {
	if strings.TrimSpace(value) == "" {
		return scan.ModeTransfer, nil
	}
	return scan.ParseMode(value)
}

type ingestResponse struct {
	Mode        scan.Mode               `json:"mode"`
	Transfer    *scan.TransferRecord    `json:"transfer,omitempty"`
	GenericScan *scan.GenericScanRecord `json:"genericScan,omitempty"`
}

func newIngestResponse(result scan.Result) ingestResponse {
	return ingestResponse{
		Mode:        result.Mode,
		Transfer:    result.Transfer,
		GenericScan: result.Generic,
	}
}

// handleGetState returns every stored record
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	order, err := scan.ParseSortOrder(r.URL.Query().Get("order"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	state, err := s.service.Snapshot()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	state.Transfers = scan.SortedTransfers(state.Transfers, order)

	writeJSON(w, http.StatusOK, state)
}

// handleScan ingests decoded text from a camera client or handheld scanner
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	mode, err := parseModeParam(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.service.Ingest(req.Text, mode)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, newIngestResponse(result))
}

// handleScanImage reads the code from an uploaded photo and ingests it
func (s *Server) handleScanImage(w http.ResponseWriter, r *http.Request) {
	if !s.service.ScannerEnabled() {
		writeServiceError(w, ErrScannerDisabled)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errorMsg = "File is too large. Maximum size is 50MB."
		}
		writeError(w, http.StatusBadRequest, errorMsg)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		errorMsg := "No file provided"
		if errors.Is(err, http.ErrMissingFile) {
			errorMsg = "No file was selected. Please choose a photo of the code."
		}
		writeError(w, http.StatusBadRequest, errorMsg)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, http.StatusInternalServerError, "Error reading file. Please try again.")
		return
	}

	mode, err := parseModeParam(r.FormValue("mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = contentTypeFromExt(header.Filename)
	}

	result, err := s.service.IngestImage(data, strings.ToLower(strings.TrimSpace(contentType)), mode)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, newIngestResponse(result))
}

func contentTypeFromExt(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

// handleListTransfers returns transfers in the requested order
func (s *Server) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	order, err := scan.ParseSortOrder(r.URL.Query().Get("order"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	transfers, err := s.service.Transfers(order)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transfers)
}

// handleDeleteTransfer deletes one transfer
func (s *Server) handleDeleteTransfer(w http.ResponseWriter, r *http.Request) {
	if _, err := s.service.DeleteTransfer(r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleClearTransfers deletes every transfer
func (s *Server) handleClearTransfers(w http.ResponseWriter, r *http.Request) {
	if !confirmed(r) {
		writeError(w, http.StatusBadRequest, "Clearing all transfers requires confirm=true")
		return
	}

	count, err := s.service.ClearTransfers()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": count})
}

// handleSyncTransfer appends one transfer to the spreadsheet
func (s *Server) handleSyncTransfer(w http.ResponseWriter, r *http.Request) {
	row, err := s.service.SyncTransfer(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"row": row})
}

// handleListGenericScans returns generic scans, most recent first
func (s *Server) handleListGenericScans(w http.ResponseWriter, r *http.Request) {
	scans, err := s.service.GenericScans()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scans)
}

// handleDeleteGenericScan deletes one generic scan
func (s *Server) handleDeleteGenericScan(w http.ResponseWriter, r *http.Request) {
	if _, err := s.service.DeleteGenericScan(r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleClearGenericScans deletes every generic scan
func (s *Server) handleClearGenericScans(w http.ResponseWriter, r *http.Request) {
	if !confirmed(r) {
		writeError(w, http.StatusBadRequest, "Clearing all generic scans requires confirm=true")
		return
	}

	count, err := s.service.ClearGenericScans()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": count})
}

// handleExportCSV downloads the transfers as CSV
func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	data, filename, err := s.service.ExportCSV()
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Write(data)
}

// handleExportJSON downloads a full backup
func (s *Server) handleExportJSON(w http.ResponseWriter, r *http.Request) {
	data, filename, err := s.service.ExportBackup()
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Write(data)
}

// handleListArchivedExports lists the auto-export snapshots
func (s *Server) handleListArchivedExports(w http.ResponseWriter, r *http.Request) {
	names, err := s.service.Exports()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

// handleGetArchivedExport downloads one auto-export snapshot
func (s *Server) handleGetArchivedExport(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	data, err := s.service.ExportFile(name)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(name)))
	w.Write(data)
}

// handleImport merges or replaces the state from an uploaded backup
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	strategy, err := scan.ParseImportStrategy(r.URL.Query().Get("strategy"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strategy == scan.ImportReplace && !confirmed(r) {
		writeError(w, http.StatusBadRequest, "Replacing all records requires confirm=true")
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImportSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Error reading backup")
		return
	}

	report, err := s.service.Import(data, strategy)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleStats returns counts and storage usage
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.Stats()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleActivity returns the most recent audit entries
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := s.service.Activity(limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleCapabilities tells clients which optional features are configured
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{
		"imageScan": s.service.ScannerEnabled(),
		"sheetSync": s.service.SyncEnabled(),
	})
}
