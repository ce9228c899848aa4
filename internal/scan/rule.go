package scan

import (
	"fmt"
	"regexp"
	"strings"
)

// ExtractionRule locates the transfer number inside scanned text.
// The default rule matches `$1:1:` followed by ten digits and a colon.
type ExtractionRule struct {
	Prefix     string
	Digits     int
	Terminator string
	// RequireTrailingGroup demands a numeric group after the terminator,
	// as in `$1:1:1234567890:000001`
	RequireTrailingGroup bool
}

// DefaultExtractionRule is the transfer format printed on KBT labels
func DefaultExtractionRule() ExtractionRule {
	return ExtractionRule{
		Prefix:     "$1:1:",
		Digits:     10,
		Terminator: ":",
	}
}

// Compile builds the matcher for the rule
func (r ExtractionRule) Compile() (*Extractor, error) {
	if r.Digits <= 0 {
		return nil, fmt.Errorf("extraction rule needs a positive digit count, got %d", r.Digits)
	}

	var b strings.Builder
	b.WriteString(regexp.QuoteMeta(r.Prefix))
	fmt.Fprintf(&b, `(\d{%d})`, r.Digits)
	b.WriteString(regexp.QuoteMeta(r.Terminator))
	if r.RequireTrailingGroup {
		b.WriteString(`\d+`)
	}

	pattern, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("compiling extraction pattern: %w", err)
	}
	number, err := regexp.Compile(fmt.Sprintf(`^\d{%d}$`, r.Digits))
	if err != nil {
		return nil, fmt.Errorf("compiling number pattern: %w", err)
	}

	return &Extractor{rule: r, pattern: pattern, number: number}, nil
}

// Extractor is a compiled ExtractionRule
type Extractor struct {
	rule    ExtractionRule
	pattern *regexp.Regexp
	number  *regexp.Regexp
}

// Extract returns the first number found in text
func (e *Extractor) Extract(text string) (string, bool) {
	m := e.pattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ValidNumber reports whether number has exactly the rule's digit count
func (e *Extractor) ValidNumber(number string) bool {
	return e.number.MatchString(number)
}

// Rule returns the rule the extractor was compiled from
func (e *Extractor) Rule() ExtractionRule {
	return e.rule
}

// GenericRule validates generic scans. An empty RequiredPrefix accepts any text.
type GenericRule struct {
	RequiredPrefix string
}

// Accepts reports whether text satisfies the rule
func (r GenericRule) Accepts(text string) bool {
	return r.RequiredPrefix == "" || strings.HasPrefix(text, r.RequiredPrefix)
}
