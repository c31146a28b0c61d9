package testkit

import (
	"errors"
	"io"
	"sync"
)

var ErrInjectedFault = errors.New("testkit: injected fault")

// ErrorReader yields the first n bytes of r and then fails with err.
type ErrorReader struct {
	r   io.Reader
	err error
}

// NewErrorReader fails after n bytes of r. A nil err means ErrInjectedFault.
func NewErrorReader(r io.Reader, n int64, err error) *ErrorReader {
	if err == nil {
		err = ErrInjectedFault
	}
	return &ErrorReader{r: io.LimitReader(r, n), err: err}
}

func (e *ErrorReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if errors.Is(err, io.EOF) {
		err = e.err
	}
	return n, err
}

// StallReader parks its first Read until Release is called, so a test can
// observe a writer that is midway through consuming its input.
type StallReader struct {
	r        io.Reader
	once     sync.Once
	stalled  chan struct{}
	released chan struct{}
}

func NewStallReader(r io.Reader) *StallReader {
	return &StallReader{
		r:        r,
		stalled:  make(chan struct{}),
		released: make(chan struct{}),
	}
}

// Stalled is closed once the first Read is waiting.
func (s *StallReader) Stalled() <-chan struct{} { return s.stalled }

// Release lets the parked Read continue. Call it exactly once.
func (s *StallReader) Release() { close(s.released) }

func (s *StallReader) Read(p []byte) (int, error) {
	s.once.Do(func() {
		close(s.stalled)
		<-s.released
	})
	return s.r.Read(p)
}
