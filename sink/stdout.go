package sink

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/hazyhaar/domirror/wire"
)

// Stdout writes each bundle as one line of its wire encoding, so the output
// can be replayed into a mirror as is.
type Stdout struct {
	mu sync.Mutex
	w  io.Writer
}

// NewStdout writes to w, or os.Stdout when w is nil.
func NewStdout(w io.Writer) *Stdout {
	if w == nil {
		w = os.Stdout
	}
	return &Stdout{w: w}
}

func (s *Stdout) Publish(_ context.Context, b *wire.Bundle) error {
	line, err := wire.MarshalBundle(b)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(append(line, '\n'))
	return err
}

func (s *Stdout) Close() error { return nil }
