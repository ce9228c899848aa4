package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/zombor/kbt-scanner/internal/scan"
	"github.com/zombor/kbt-scanner/internal/scanning"
)

var (
	// ErrNotFound is returned when no record has the requested id
	ErrNotFound = errors.New("record not found")
	// ErrScannerDisabled is returned for image scans when no photo reader is configured
	ErrScannerDisabled = errors.New("no photo reader configured")
	// ErrSyncDisabled is returned when no spreadsheet is configured
	ErrSyncDisabled = errors.New("spreadsheet sync not configured")
)

// utf8BOM makes spreadsheet apps read the CSV as UTF-8
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Sheet appends transfer numbers to a remote spreadsheet
type Sheet interface {
	AppendNumber(ctx context.Context, number string) (int, error)
}

// Stats summarises the stored state
type Stats struct {
	Transfers      int        `json:"transfers"`
	GenericScans   int        `json:"genericScans"`
	LastCapturedAt *time.Time `json:"lastCapturedAt,omitempty"`
	StateBytes     int        `json:"stateBytes"`
	MaxStateBytes  int        `json:"maxStateBytes,omitempty"`
	NearCapacity   bool       `json:"nearCapacity"`
}

// Service owns the scan ledger. Every state transition runs load, process
// and save under one lock, so concurrent scans cannot both pass the
// duplicate check.
type Service struct {
	mu         sync.Mutex
	db         DB
	pipeline   *scan.Pipeline
	scanner    scanning.Scanner
	sheet      Sheet
	archive    Storage
	timeSource scan.TimeSource

	autoExportEvery int
}

// NewService creates a new Service with the system clock.
// scanner, sheet and archive may be nil when the capability is not configured.
func NewService(db DB, pipeline *scan.Pipeline, scanner scanning.Scanner, sheet Sheet, archive Storage) *Service {
	return NewServiceWithDeps(db, pipeline, scanner, sheet, archive, scan.SystemClock{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, pipeline *scan.Pipeline, scanner scanning.Scanner, sheet Sheet, archive Storage, timeSrc scan.TimeSource) *Service {
	return &Service{
		db:         db,
		pipeline:   pipeline,
		scanner:    scanner,
		sheet:      sheet,
		archive:    archive,
		timeSource: timeSrc,
	}
}

// EnableAutoExport archives a CSV snapshot every time the transfer count reaches a multiple of every
func (s *Service) EnableAutoExport(every int) {
	s.autoExportEvery = every
}

// ScannerEnabled reports whether image scans are available
func (s *Service) ScannerEnabled() bool {
	return s.scanner != nil
}

// SyncEnabled reports whether spreadsheet sync is available
func (s *Service) SyncEnabled() bool {
	return s.sheet != nil
}

// Snapshot returns the current state
func (s *Service) Snapshot() (scan.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Service) load() (scan.State, error) {
	state, _, err := s.db.LoadState()
	if err != nil {
		return scan.State{}, fmt.Errorf("loading state: %w", err)
	}
	return state, nil
}

// Ingest runs decoded scan text through the pipeline and stores the result.
// Refused scans return a *scan.Rejection.
func (s *Service) Ingest(text string, mode scan.Mode) (scan.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return scan.Result{}, err
	}

	result, err := s.pipeline.Process(text, mode, state)
	if err != nil {
		if rej, ok := scan.AsRejection(err); ok {
			slog.Warn("Scan rejected", "mode", mode, "reason", rej.Reason, "value", rej.Value)
			s.record(LevelWarn, rejectionMessage(rej), map[string]string{
				"mode":   mode.String(),
				"reason": rej.Reason.String(),
				"text":   text,
			})
		}
		return scan.Result{}, err
	}

	if err := s.db.SaveState(result.Next); err != nil {
		slog.Error("Failed to store scan", "mode", mode, "error", err)
		s.record(LevelError, "Failed to store scan", map[string]string{"mode": mode.String(), "error": err.Error()})
		return scan.Result{}, fmt.Errorf("storing scan: %w", err)
	}

	switch {
	case result.Transfer != nil:
		slog.Info("Transfer stored", "number", result.Transfer.Number, "id", result.Transfer.ID)
		s.record(LevelSuccess, "Transfer stored", map[string]string{"number": result.Transfer.Number})
		s.maybeAutoExport(result.Next)
	case result.Generic != nil:
		slog.Info("Generic scan stored", "id", result.Generic.ID)
		s.record(LevelSuccess, "Generic scan stored", map[string]string{"text": result.Generic.Text})
	}

	return result, nil
}

func rejectionMessage(rej *scan.Rejection) string {
	switch rej.Reason {
	case scan.Duplicate:
		return "Duplicate scan ignored"
	case scan.Empty:
		return "Empty scan ignored"
	default:
		return "Scan does not match the expected format"
	}
}

// IngestImage reads the code in a photo and ingests its payload
func (s *Service) IngestImage(data []byte, contentType string, mode scan.Mode) (scan.Result, error) {
	if s.scanner == nil {
		return scan.Result{}, ErrScannerDisabled
	}

	// Photo reading is slow and runs outside the lock
	text, err := s.scanner.ScanImage(data, contentType)
	if err != nil {
		slog.Error("Failed to read code from image",
			"content_type", contentType,
			"file_size", len(data),
			"error", err,
		)
		return scan.Result{}, fmt.Errorf("reading code from image: %w", err)
	}

	return s.Ingest(text, mode)
}

// Listen ingests every payload src decodes until src is stopped
func (s *Service) Listen(src scanning.Source, mode scan.Mode) error {
	return src.Start(
		func(text string) {
			// Outcomes are logged and recorded by Ingest
			_, _ = s.Ingest(text, mode)
		},
		func(msg string) {
			slog.Error("Scan source error", "error", msg)
			s.record(LevelError, "Scan source error", map[string]string{"error": msg})
		},
	)
}

// Transfers returns the stored transfers in the requested order
func (s *Service) Transfers(order scan.SortOrder) ([]scan.TransferRecord, error) {
	state, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	return scan.SortedTransfers(state.Transfers, order), nil
}

// GenericScans returns the stored generic scans, most recent first
func (s *Service) GenericScans() ([]scan.GenericScanRecord, error) {
	state, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	return state.GenericScans, nil
}

// DeleteTransfer removes one transfer by id
func (s *Service) DeleteTransfer(id string) (scan.TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return scan.TransferRecord{}, err
	}
	next, removed, ok := state.WithoutTransfer(id)
	if !ok {
		return scan.TransferRecord{}, ErrNotFound
	}
	if err := s.db.SaveState(next); err != nil {
		return scan.TransferRecord{}, fmt.Errorf("deleting transfer: %w", err)
	}

	slog.Info("Transfer deleted", "number", removed.Number, "id", id)
	s.record(LevelInfo, "Transfer deleted", map[string]string{"number": removed.Number})
	return removed, nil
}

// DeleteGenericScan removes one generic scan by id
func (s *Service) DeleteGenericScan(id string) (scan.GenericScanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return scan.GenericScanRecord{}, err
	}
	next, removed, ok := state.WithoutGenericScan(id)
	if !ok {
		return scan.GenericScanRecord{}, ErrNotFound
	}
	if err := s.db.SaveState(next); err != nil {
		return scan.GenericScanRecord{}, fmt.Errorf("deleting generic scan: %w", err)
	}

	slog.Info("Generic scan deleted", "id", id)
	s.record(LevelInfo, "Generic scan deleted", map[string]string{"text": removed.Text})
	return removed, nil
}

// ClearTransfers removes every transfer and returns how many there were
func (s *Service) ClearTransfers() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return 0, err
	}
	count := len(state.Transfers)
	next := state.Clone()
	next.Transfers = []scan.TransferRecord{}
	if err := s.db.SaveState(next); err != nil {
		return 0, fmt.Errorf("clearing transfers: %w", err)
	}

	slog.Info("Transfers cleared", "count", count)
	s.record(LevelWarn, "All transfers cleared", map[string]string{"count": strconv.Itoa(count)})
	return count, nil
}

// ClearGenericScans removes every generic scan and returns how many there were
func (s *Service) ClearGenericScans() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return 0, err
	}
	count := len(state.GenericScans)
	next := state.Clone()
	next.GenericScans = []scan.GenericScanRecord{}
	if err := s.db.SaveState(next); err != nil {
		return 0, fmt.Errorf("clearing generic scans: %w", err)
	}

	slog.Info("Generic scans cleared", "count", count)
	s.record(LevelWarn, "All generic scans cleared", map[string]string{"count": strconv.Itoa(count)})
	return count, nil
}

// ExportCSV renders the transfers as a BOM-prefixed CSV and suggests a file name
func (s *Service) ExportCSV() ([]byte, string, error) {
	state, err := s.Snapshot()
	if err != nil {
		return nil, "", err
	}
	now := s.timeSource.Now()

	data, err := renderCSV(state)
	if err != nil {
		return nil, "", err
	}

	s.record(LevelInfo, "Transfers exported to CSV", map[string]string{"count": strconv.Itoa(len(state.Transfers))})
	return data, csvFilename(now), nil
}

func renderCSV(state scan.State) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(utf8BOM)
	if err := scan.WriteCSV(&buf, state.Transfers); err != nil {
		return nil, fmt.Errorf("writing csv: %w", err)
	}
	return buf.Bytes(), nil
}

func csvFilename(at time.Time) string {
	return fmt.Sprintf("transfers_%s.csv", at.Format("2006-01-02"))
}

// ExportBackup renders the full state as a JSON backup and suggests a file name
func (s *Service) ExportBackup() ([]byte, string, error) {
	state, err := s.Snapshot()
	if err != nil {
		return nil, "", err
	}
	now := s.timeSource.Now()

	var buf bytes.Buffer
	if err := scan.WriteBackup(&buf, state, now); err != nil {
		return nil, "", fmt.Errorf("writing backup: %w", err)
	}

	s.record(LevelInfo, "Backup exported", map[string]string{
		"transfers":    strconv.Itoa(len(state.Transfers)),
		"genericScans": strconv.Itoa(len(state.GenericScans)),
	})
	return buf.Bytes(), fmt.Sprintf("scans_backup_%s.json", now.Format("2006-01-02")), nil
}

// Import merges or replaces the state with a backup document
func (s *Service) Import(data []byte, strategy scan.ImportStrategy) (scan.ImportReport, error) {
	imported, err := scan.ParseBackup(data, s.timeSource.Now())
	if err != nil {
		return scan.ImportReport{}, fmt.Errorf("parsing backup: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return scan.ImportReport{}, err
	}

	next, report := s.pipeline.Import(state, imported, strategy)
	if err := s.db.SaveState(next); err != nil {
		return scan.ImportReport{}, fmt.Errorf("storing import: %w", err)
	}

	slog.Info("Backup imported",
		"strategy", strategy,
		"transfers_added", report.TransfersAdded,
		"transfers_skipped", report.TransfersSkipped,
		"generic_added", report.GenericAdded,
		"generic_skipped", report.GenericSkipped,
	)
	s.record(LevelSuccess, "Backup imported", map[string]string{
		"strategy":         strategy.String(),
		"transfersAdded":   strconv.Itoa(report.TransfersAdded),
		"transfersSkipped": strconv.Itoa(report.TransfersSkipped),
		"genericAdded":     strconv.Itoa(report.GenericAdded),
		"genericSkipped":   strconv.Itoa(report.GenericSkipped),
	})
	return report, nil
}

// SyncTransfer appends one stored transfer to the spreadsheet and returns the row written
func (s *Service) SyncTransfer(ctx context.Context, id string) (int, error) {
	if s.sheet == nil {
		return 0, ErrSyncDisabled
	}

	state, err := s.Snapshot()
	if err != nil {
		return 0, err
	}
	record, ok := state.FindTransfer(id)
	if !ok {
		return 0, ErrNotFound
	}

	row, err := s.sheet.AppendNumber(ctx, record.Number)
	if err != nil {
		slog.Error("Failed to sync transfer", "number", record.Number, "error", err)
		s.record(LevelError, "Spreadsheet sync failed", map[string]string{"number": record.Number, "error": err.Error()})
		return 0, fmt.Errorf("syncing transfer: %w", err)
	}

	slog.Info("Transfer synced", "number", record.Number, "row", row)
	s.record(LevelSuccess, "Transfer synced to spreadsheet", map[string]string{
		"number": record.Number,
		"row":    strconv.Itoa(row),
	})
	return row, nil
}

// Stats reports counts and storage usage
func (s *Service) Stats() (Stats, error) {
	state, err := s.Snapshot()
	if err != nil {
		return Stats{}, err
	}

	encoded, err := json.Marshal(state)
	if err != nil {
		return Stats{}, fmt.Errorf("measuring state: %w", err)
	}

	stats := Stats{
		Transfers:     len(state.Transfers),
		GenericScans:  len(state.GenericScans),
		StateBytes:    len(encoded),
		MaxStateBytes: s.db.StateLimit(),
	}
	if stats.MaxStateBytes > 0 {
		stats.NearCapacity = stats.StateBytes*10 > stats.MaxStateBytes*9
	}
	for _, t := range state.Transfers {
		if stats.LastCapturedAt == nil || t.CapturedAt.After(*stats.LastCapturedAt) {
			at := t.CapturedAt
			stats.LastCapturedAt = &at
		}
	}
	return stats, nil
}

// Activity returns up to limit audit entries, most recent first
func (s *Service) Activity(limit int) ([]Activity, error) {
	entries, err := s.db.ListActivity(limit)
	if err != nil {
		return nil, fmt.Errorf("listing activity: %w", err)
	}
	return entries, nil
}

func (s *Service) maybeAutoExport(state scan.State) {
	if s.archive == nil || s.autoExportEvery <= 0 {
		return
	}
	if len(state.Transfers) == 0 || len(state.Transfers)%s.autoExportEvery != 0 {
		return
	}

	data, err := renderCSV(state)
	if err != nil {
		slog.Error("Failed to render auto-export", "error", err)
		return
	}
	now := s.timeSource.Now()
	name := fmt.Sprintf("transfers_%s_%d.csv", now.Format("2006-01-02"), len(state.Transfers))
	saved, err := s.archive.Save(name, data)
	if err != nil {
		slog.Error("Failed to write auto-export", "filename", name, "error", err)
		s.record(LevelError, "Auto-export failed", map[string]string{"error": err.Error()})
		return
	}

	slog.Info("Auto-exported transfers", "filename", saved, "count", len(state.Transfers))
	s.record(LevelInfo, "Auto-exported transfers", map[string]string{"filename": saved})
}

// Exports lists the archived auto-export files
func (s *Service) Exports() ([]string, error) {
	if s.archive == nil {
		return []string{}, nil
	}
	names, err := s.archive.List()
	if err != nil {
		return nil, fmt.Errorf("listing exports: %w", err)
	}
	return names, nil
}

// ExportFile returns one archived export
func (s *Service) ExportFile(name string) ([]byte, error) {
	if s.archive == nil {
		return nil, ErrNotFound
	}
	data, err := s.archive.Get(name)
	if err != nil {
		if errors.Is(err, ErrArchiveNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading export: %w", err)
	}
	return data, nil
}

func (s *Service) record(level Level, message string, data map[string]string) {
	entry := Activity{
		At:      s.timeSource.Now(),
		Level:   level,
		Message: message,
		Data:    data,
	}
	if err := s.db.AppendActivity(entry); err != nil {
		slog.Warn("Failed to record activity", "message", message, "error", err)
	}
}
