package scan

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IDGenerator generates unique record IDs
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// UUIDGenerator generates random UUIDs
type UUIDGenerator struct{}

func (UUIDGenerator) Generate() string {
	return uuid.NewString()
}

// SystemClock returns the wall clock time in UTC
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// Result is an accepted scan
type Result struct {
	Mode     Mode
	Transfer *TransferRecord
	Generic  *GenericScanRecord
	// Next is the state with the record added. The input state is untouched.
	Next State
}

// Pipeline turns decoded scan text into validated, deduplicated records.
// It holds no state between calls: the caller passes the current State in
// and persists Result.Next.
type Pipeline struct {
	extractor   *Extractor
	genericRule GenericRule
	ids         IDGenerator
	clock       TimeSource
}

// NewPipeline creates a Pipeline with UUID ids and the system clock
func NewPipeline(rule ExtractionRule, genericRule GenericRule) (*Pipeline, error) {
	return NewPipelineWithDeps(rule, genericRule, UUIDGenerator{}, SystemClock{})
}

// NewPipelineWithDeps creates a Pipeline with custom dependencies for testing
func NewPipelineWithDeps(rule ExtractionRule, genericRule GenericRule, ids IDGenerator, clock TimeSource) (*Pipeline, error) {
	extractor, err := rule.Compile()
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		extractor:   extractor,
		genericRule: genericRule,
		ids:         ids,
		clock:       clock,
	}, nil
}

// Extractor exposes the compiled transfer rule
func (p *Pipeline) Extractor() *Extractor {
	return p.extractor
}

// Process validates rawText under mode against current.
// Refused scans return a *Rejection.
func (p *Pipeline) Process(rawText string, mode Mode, current State) (Result, error) {
	switch mode {
	case ModeTransfer:
		return p.processTransfer(rawText, current)
	case ModeGeneric:
		return p.processGeneric(rawText, current)
	default:
		return Result{}, fmt.Errorf("unsupported scan mode %d", int(mode))
	}
}

func (p *Pipeline) processTransfer(rawText string, current State) (Result, error) {
	number, ok := p.extractor.Extract(rawText)
	if !ok {
		return Result{}, &Rejection{Reason: FormatMismatch, Mode: ModeTransfer, Raw: rawText}
	}
	if current.HasNumber(number) {
		return Result{}, &Rejection{Reason: Duplicate, Mode: ModeTransfer, Raw: rawText, Value: number}
	}

	record := TransferRecord{
		ID:         p.ids.Generate(),
		Number:     number,
		CapturedAt: p.clock.Now(),
	}

	next := current.Clone()
	next.Transfers = append(next.Transfers, record)

	return Result{Mode: ModeTransfer, Transfer: &record, Next: next}, nil
}

// processGeneric checks emptiness before the prefix rule, so blank input is
// always reported as Empty
func (p *Pipeline) processGeneric(rawText string, current State) (Result, error) {
	if strings.TrimSpace(rawText) == "" {
		return Result{}, &Rejection{Reason: Empty, Mode: ModeGeneric, Raw: rawText}
	}
	if !p.genericRule.Accepts(rawText) {
		return Result{}, &Rejection{Reason: FormatMismatch, Mode: ModeGeneric, Raw: rawText}
	}
	if current.HasText(rawText) {
		return Result{}, &Rejection{Reason: Duplicate, Mode: ModeGeneric, Raw: rawText, Value: rawText}
	}

	record := GenericScanRecord{
		ID:         p.ids.Generate(),
		Text:       rawText,
		CapturedAt: p.clock.Now(),
	}

	next := current.Clone()
	next.GenericScans = append([]GenericScanRecord{record}, next.GenericScans...)

	return Result{Mode: ModeGeneric, Generic: &record, Next: next}, nil
}
