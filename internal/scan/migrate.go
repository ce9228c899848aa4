package scan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// storedState accepts every state shape written by earlier versions
type storedState struct {
	Transfers    json.RawMessage `json:"transfers"`
	GenericScans json.RawMessage `json:"genericScans"`
	QRCodes      json.RawMessage `json:"qrCodes"`
}

// storedRecord accepts both record shapes: `capturedAt` with string ids and
// the older `timestamp` with millisecond ids
type storedRecord struct {
	ID         json.RawMessage `json:"id"`
	Number     string          `json:"number"`
	Text       string          `json:"text"`
	CapturedAt *time.Time      `json:"capturedAt"`
	Timestamp  *time.Time      `json:"timestamp"`
}

// MigrationReport describes what a migration changed
type MigrationReport struct {
	Upgraded         bool
	DroppedTransfers int
	DroppedGeneric   int
}

// Migrator upgrades stored state blobs and drops records that break the
// record rules: transfers need a valid, unique number and generic scans a
// non-blank, unique text. The first occurrence of a repeated value is kept.
type Migrator struct {
	numbers *Extractor
}

var defaultNumbers, _ = DefaultExtractionRule().Compile()

// DefaultMigrator validates transfer numbers against the default rule
func DefaultMigrator() Migrator {
	return Migrator{numbers: defaultNumbers}
}

// Migrator validates transfer numbers against the pipeline's rule
func (p *Pipeline) Migrator() Migrator {
	return Migrator{numbers: p.extractor}
}

// Migrate upgrades a stored state blob with DefaultMigrator. The boolean
// reports whether anything had to be rewritten.
func Migrate(stored []byte, now time.Time) (State, bool, error) {
	state, report, err := DefaultMigrator().Migrate(stored, now)
	return state, report.Upgraded, err
}

// Migrate upgrades a stored state blob to the current schema.
//
// Accepted shapes are an empty blob or null, a bare JSON array of transfer
// numbers, and an object whose transfers may be plain strings or records.
// Plain strings are wrapped into records with id now-index (milliseconds)
// and capturedAt now; the real capture time is not recoverable.
// Running Migrate on its own output returns the same state and no upgrade.
func (m Migrator) Migrate(stored []byte, now time.Time) (State, MigrationReport, error) {
	decoded, upgraded, err := decodeStored(stored, now)
	if err != nil {
		return State{}, MigrationReport{}, err
	}

	report := MigrationReport{Upgraded: upgraded}
	state := State{
		Transfers:    make([]TransferRecord, 0, len(decoded.Transfers)),
		GenericScans: make([]GenericScanRecord, 0, len(decoded.GenericScans)),
	}

	numbers := make(map[string]bool)
	for _, t := range decoded.Transfers {
		if numbers[t.Number] || (m.numbers != nil && !m.numbers.ValidNumber(t.Number)) {
			report.DroppedTransfers++
			continue
		}
		numbers[t.Number] = true
		state.Transfers = append(state.Transfers, t)
	}

	texts := make(map[string]bool)
	for _, g := range decoded.GenericScans {
		if texts[g.Text] || strings.TrimSpace(g.Text) == "" {
			report.DroppedGeneric++
			continue
		}
		texts[g.Text] = true
		state.GenericScans = append(state.GenericScans, g)
	}

	if report.DroppedTransfers > 0 || report.DroppedGeneric > 0 {
		report.Upgraded = true
	}
	return state, report, nil
}

// decodeStored reads any stored shape into records without validating them
func decodeStored(stored []byte, now time.Time) (State, bool, error) {
	state := State{
		Transfers:    []TransferRecord{},
		GenericScans: []GenericScanRecord{},
	}

	trimmed := bytes.TrimSpace(stored)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return state, false, nil
	}

	var raw storedState
	upgraded := false

	switch trimmed[0] {
	case '[':
		raw.Transfers = trimmed
		upgraded = true
	case '{':
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return State{}, false, fmt.Errorf("decoding stored state: %w", err)
		}
	default:
		return State{}, false, fmt.Errorf("decoding stored state: unexpected %q", trimmed[0])
	}

	generic := raw.GenericScans
	if len(generic) == 0 && len(raw.QRCodes) > 0 {
		generic = raw.QRCodes
		upgraded = true
	}

	transfers, changed, err := migrateRecords(raw.Transfers, now)
	if err != nil {
		return State{}, false, fmt.Errorf("migrating transfers: %w", err)
	}
	upgraded = upgraded || changed
	for _, r := range transfers {
		state.Transfers = append(state.Transfers, TransferRecord{ID: r.id, Number: r.value(true), CapturedAt: r.capturedAt})
	}

	scans, changed, err := migrateRecords(generic, now)
	if err != nil {
		return State{}, false, fmt.Errorf("migrating generic scans: %w", err)
	}
	upgraded = upgraded || changed
	for _, r := range scans {
		state.GenericScans = append(state.GenericScans, GenericScanRecord{ID: r.id, Text: r.value(false), CapturedAt: r.capturedAt})
	}

	return state, upgraded, nil
}

type migratedRecord struct {
	id         string
	number     string
	text       string
	plain      string
	capturedAt time.Time
}

func (r migratedRecord) value(transfer bool) string {
	if r.plain != "" {
		return r.plain
	}
	if transfer {
		return r.number
	}
	return r.text
}

func migrateRecords(raw json.RawMessage, now time.Time) ([]migratedRecord, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, false, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return nil, false, err
	}

	out := make([]migratedRecord, 0, len(elems))
	changed := false
	for i, elem := range elems {
		synthetic := strconv.FormatInt(now.UnixMilli()-int64(i), 10)

		elem = bytes.TrimSpace(elem)
		if len(elem) > 0 && elem[0] == '"' {
			var plain string
			if err := json.Unmarshal(elem, &plain); err != nil {
				return nil, false, fmt.Errorf("entry %d: %w", i, err)
			}
			out = append(out, migratedRecord{id: synthetic, plain: plain, capturedAt: now})
			changed = true
			continue
		}

		var rec storedRecord
		if err := json.Unmarshal(elem, &rec); err != nil {
			return nil, false, fmt.Errorf("entry %d: %w", i, err)
		}

		m := migratedRecord{number: rec.Number, text: rec.Text}

		id, ok, err := normalizeID(rec.ID)
		if err != nil {
			return nil, false, fmt.Errorf("entry %d: %w", i, err)
		}
		if !ok {
			changed = true
			id = synthetic
		}
		m.id = id
		if len(bytes.TrimSpace(rec.ID)) > 0 && rec.ID[0] != '"' {
			changed = true
		}

		switch {
		case rec.CapturedAt != nil:
			m.capturedAt = rec.CapturedAt.UTC()
		case rec.Timestamp != nil:
			m.capturedAt = rec.Timestamp.UTC()
			changed = true
		default:
			m.capturedAt = now
			changed = true
		}

		out = append(out, m)
	}
	return out, changed, nil
}

// normalizeID turns a string or numeric id into a string
func normalizeID(raw json.RawMessage) (string, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false, err
		}
		return s, s != "", nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", false, fmt.Errorf("unsupported id %s", raw)
	}
	return n.String(), true, nil
}
