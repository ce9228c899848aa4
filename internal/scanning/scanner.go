package scanning

import "errors"

var (
	// ErrNoCode is returned when an image holds no readable QR code
	ErrNoCode = errors.New("no QR code found in image")
	// ErrSourceUnavailable is returned when a scan source cannot start
	ErrSourceUnavailable = errors.New("scan source unavailable")
)

// Scanner reads the payload of a QR code from a photo
type Scanner interface {
	// ScanImage returns the decoded text of the code in the image
	ScanImage(imageData []byte, contentType string) (string, error)
	// Close closes the scanner and releases resources
	Close() error
}

// Source delivers decoded payloads as they are scanned.
// Start and Stop are no-ops when the source is already in that state.
type Source interface {
	Start(onDecoded func(text string), onError func(msg string)) error
	Stop()
}
