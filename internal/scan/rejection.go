package scan

import (
	"errors"
	"fmt"
)

// Reason classifies why a scan was not accepted
type Reason int

const (
	// FormatMismatch means the text did not match the mode's rule
	FormatMismatch Reason = iota + 1
	// Duplicate means the number or text is already stored
	Duplicate
	// Empty means the text was blank
	Empty
)

func (r Reason) String() string {
	switch r {
	case FormatMismatch:
		return "format_mismatch"
	case Duplicate:
		return "duplicate"
	case Empty:
		return "empty"
	default:
		return "unknown"
	}
}

// Rejection is returned by Pipeline.Process when a scan is refused.
// Rejections are recoverable; the caller decides how to report them.
type Rejection struct {
	Reason Reason
	Mode   Mode
	// Raw is the scanned text, kept for diagnostics
	Raw string
	// Value is the conflicting number or text for Duplicate rejections
	Value string
}

func (r *Rejection) Error() string {
	switch r.Reason {
	case Duplicate:
		return fmt.Sprintf("%s scan rejected: %q already stored", r.Mode, r.Value)
	case Empty:
		return fmt.Sprintf("%s scan rejected: empty text", r.Mode)
	default:
		return fmt.Sprintf("%s scan rejected: %q does not match the expected format", r.Mode, r.Raw)
	}
}

// AsRejection returns the Rejection wrapped in err, if any
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// IsRejection reports whether err carries a Rejection with the given reason
func IsRejection(err error, reason Reason) bool {
	rej, ok := AsRejection(err)
	return ok && rej.Reason == reason
}
