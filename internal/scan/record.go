package scan

import "time"

// TransferRecord is a transfer number extracted from a scanned code
type TransferRecord struct {
	ID         string    `json:"id"`
	Number     string    `json:"number"`
	CapturedAt time.Time `json:"capturedAt"`
}

// GenericScanRecord is any other scanned text
type GenericScanRecord struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	CapturedAt time.Time `json:"capturedAt"`
}

// State is the complete persisted collection of scan records.
// Transfers are kept in insertion order, generic scans most-recent-first.
type State struct {
	Transfers    []TransferRecord    `json:"transfers"`
	GenericScans []GenericScanRecord `json:"genericScans"`
}

// Clone returns a copy of the state that shares no backing arrays with s
func (s State) Clone() State {
	out := State{
		Transfers:    make([]TransferRecord, len(s.Transfers)),
		GenericScans: make([]GenericScanRecord, len(s.GenericScans)),
	}
	copy(out.Transfers, s.Transfers)
	copy(out.GenericScans, s.GenericScans)
	return out
}

// HasNumber reports whether a transfer with the given number exists
func (s State) HasNumber(number string) bool {
	for _, t := range s.Transfers {
		if t.Number == number {
			return true
		}
	}
	return false
}

// HasText reports whether a generic scan with the given text exists
func (s State) HasText(text string) bool {
	for _, g := range s.GenericScans {
		if g.Text == text {
			return true
		}
	}
	return false
}

// WithoutTransfer returns a copy of the state with the transfer removed.
// The boolean is false when no transfer has that ID.
func (s State) WithoutTransfer(id string) (State, TransferRecord, bool) {
	out := s.Clone()
	for i, t := range out.Transfers {
		if t.ID == id {
			out.Transfers = append(out.Transfers[:i], out.Transfers[i+1:]...)
			return out, t, true
		}
	}
	return s, TransferRecord{}, false
}

// WithoutGenericScan returns a copy of the state with the generic scan removed
func (s State) WithoutGenericScan(id string) (State, GenericScanRecord, bool) {
	out := s.Clone()
	for i, g := range out.GenericScans {
		if g.ID == id {
			out.GenericScans = append(out.GenericScans[:i], out.GenericScans[i+1:]...)
			return out, g, true
		}
	}
	return s, GenericScanRecord{}, false
}

// FindTransfer looks up a transfer by ID
func (s State) FindTransfer(id string) (TransferRecord, bool) {
	for _, t := range s.Transfers {
		if t.ID == id {
			return t, true
		}
	}
	return TransferRecord{}, false
}
