package scanning

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
)

// LineSource delivers newline-terminated payloads from a reader, such as a
// handheld scanner in keyboard mode or stdin.
//
// The reader is consumed by a single goroutine started on the first Start.
// Lines read while the source is stopped are dropped. Callbacks run on the
// reading goroutine and must not call Stop.
type LineSource struct {
	r io.Reader

	mu        sync.Mutex
	started   bool
	running   bool
	last      string
	onDecoded func(string)
	onError   func(string)
	done      chan struct{}
}

// NewLineSource creates a LineSource reading from r
func NewLineSource(r io.Reader) *LineSource {
	return &LineSource{
		r:    r,
		done: make(chan struct{}),
	}
}

// Start begins delivering payloads to onDecoded. Read failures go to onError.
func (s *LineSource) Start(onDecoded func(text string), onError func(msg string)) error {
	if s.r == nil {
		return fmt.Errorf("line source: %w", ErrSourceUnavailable)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	select {
	case <-s.done:
		return fmt.Errorf("line source exhausted: %w", ErrSourceUnavailable)
	default:
	}

	s.onDecoded = onDecoded
	s.onError = onError
	s.running = true
	if !s.started {
		s.started = true
		go s.read()
	}
	return nil
}

// Stop halts delivery. Callbacks are not invoked after Stop returns.
func (s *LineSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.last = ""
}

// Done is closed once the reader is exhausted
func (s *LineSource) Done() <-chan struct{} {
	return s.done
}

func (s *LineSource) read() {
	defer close(s.done)

	scanner := bufio.NewScanner(s.r)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		s.deliver(text)
	}
	if err := scanner.Err(); err != nil {
		s.fail(fmt.Sprintf("reading scan input: %v", err))
	}
}

// deliver holds the lock through the callback so Stop cannot return mid-delivery
func (s *LineSource) deliver(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.onDecoded == nil {
		return
	}
	// Scanners repeat a code while it stays in view
	if text == s.last {
		return
	}
	s.last = text
	s.onDecoded(text)
}

func (s *LineSource) fail(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.onError == nil {
		return
	}
	s.onError(msg)
}
