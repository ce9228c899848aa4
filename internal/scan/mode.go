package scan

import (
	"fmt"
	"strings"
)

// Mode selects which workflow a decoded scan belongs to
type Mode int

const (
	// ModeTransfer extracts a transfer number from the scanned text
	ModeTransfer Mode = iota + 1
	// ModeGeneric stores the scanned text as-is
	ModeGeneric
)

// ParseMode converts "transfer" or "generic" into a Mode
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "transfer":
		return ModeTransfer, nil
	case "generic":
		return ModeGeneric, nil
	default:
		return 0, fmt.Errorf("unknown scan mode: %q", s)
	}
}

func (m Mode) String() string {
	switch m {
	case ModeTransfer:
		return "transfer"
	case ModeGeneric:
		return "generic"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// MarshalText implements encoding.TextMarshaler
func (m Mode) MarshalText() ([]byte, error) {
	if m != ModeTransfer && m != ModeGeneric {
		return nil, fmt.Errorf("invalid scan mode %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
