package scan

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrInvalidBackup is returned when an import document is not a backup
var ErrInvalidBackup = errors.New("invalid backup file")

// ImportStrategy decides what happens to existing records on import
type ImportStrategy int

const (
	// ImportMerge keeps existing records and adds new ones
	ImportMerge ImportStrategy = iota
	// ImportReplace discards existing records
	ImportReplace
)

// ParseImportStrategy accepts "", "merge" and "replace"
func ParseImportStrategy(s string) (ImportStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "merge":
		return ImportMerge, nil
	case "replace":
		return ImportReplace, nil
	default:
		return ImportMerge, fmt.Errorf("unknown import strategy: %q", s)
	}
}

func (s ImportStrategy) String() string {
	if s == ImportReplace {
		return "replace"
	}
	return "merge"
}

// ImportReport counts what an import did
type ImportReport struct {
	TransfersAdded   int `json:"transfersAdded"`
	TransfersSkipped int `json:"transfersSkipped"`
	GenericAdded     int `json:"genericAdded"`
	GenericSkipped   int `json:"genericSkipped"`
}

// ParseBackup decodes a backup document. Older backups that use `qrCodes`
// or plain-string transfers are upgraded the same way stored state is.
// Records are not validated here; Import skips and counts the bad ones.
func ParseBackup(data []byte, now time.Time) (State, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	if _, ok := keys["transfers"]; !ok {
		return State{}, fmt.Errorf("%w: missing transfers", ErrInvalidBackup)
	}

	state, _, err := decodeStored(data, now)
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	return state, nil
}

// Import combines imported records with current. Records that fail the
// pipeline's rules, or whose number or text is already present (including
// earlier in the same import), are skipped. Missing or colliding ids are
// replaced with fresh ones. Transfers keep insertion order; generic scans
// are ordered by capture time, newest first.
func (p *Pipeline) Import(current, imported State, strategy ImportStrategy) (State, ImportReport) {
	var next State
	if strategy == ImportReplace {
		next = State{Transfers: []TransferRecord{}, GenericScans: []GenericScanRecord{}}
	} else {
		next = current.Clone()
	}

	var report ImportReport
	ids := make(map[string]bool)
	numbers := make(map[string]bool)
	texts := make(map[string]bool)
	for _, t := range next.Transfers {
		ids[t.ID] = true
		numbers[t.Number] = true
	}
	for _, g := range next.GenericScans {
		ids[g.ID] = true
		texts[g.Text] = true
	}

	freshID := func(id string) string {
		for id == "" || ids[id] {
			id = p.ids.Generate()
		}
		ids[id] = true
		return id
	}

	for _, t := range imported.Transfers {
		if !p.extractor.ValidNumber(t.Number) || numbers[t.Number] {
			report.TransfersSkipped++
			continue
		}
		numbers[t.Number] = true
		t.ID = freshID(t.ID)
		next.Transfers = append(next.Transfers, t)
		report.TransfersAdded++
	}

	for _, g := range imported.GenericScans {
		if strings.TrimSpace(g.Text) == "" || !p.genericRule.Accepts(g.Text) || texts[g.Text] {
			report.GenericSkipped++
			continue
		}
		texts[g.Text] = true
		g.ID = freshID(g.ID)
		next.GenericScans = append(next.GenericScans, g)
		report.GenericAdded++
	}

	// Generic scans stay most recent first whichever side they came from
	sort.SliceStable(next.GenericScans, func(i, j int) bool {
		return next.GenericScans[i].CapturedAt.After(next.GenericScans[j].CapturedAt)
	})

	return next, report
}
