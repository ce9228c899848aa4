package scan

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// CSVHeader is the first line of a transfer export
const CSVHeader = "ID,Number,CapturedAt"

// WriteCSV writes one row per transfer: the 1-based position, the number and
// the quoted capture time in RFC 3339.
func WriteCSV(w io.Writer, transfers []TransferRecord) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintln(bw, CSVHeader); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}
	for i, t := range transfers {
		if _, err := fmt.Fprintf(bw, "%d,%s,%q\n", i+1, t.Number, t.CapturedAt.UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("writing csv row %d: %w", i+1, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flushing csv: %w", err)
	}
	return nil
}

// Backup is the JSON backup document
type Backup struct {
	Transfers    []TransferRecord    `json:"transfers"`
	GenericScans []GenericScanRecord `json:"genericScans"`
	ExportedAt   time.Time           `json:"exportedAt"`
}

// NewBackup snapshots state into a Backup
func NewBackup(state State, exportedAt time.Time) Backup {
	s := state.Clone()
	return Backup{
		Transfers:    s.Transfers,
		GenericScans: s.GenericScans,
		ExportedAt:   exportedAt.UTC(),
	}
}

// WriteBackup writes state as an indented JSON backup
func WriteBackup(w io.Writer, state State, exportedAt time.Time) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(NewBackup(state, exportedAt)); err != nil {
		return fmt.Errorf("encoding backup: %w", err)
	}
	return nil
}
