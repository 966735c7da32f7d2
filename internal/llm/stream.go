package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/tmc/langchaingo/llms"
)

// Fragment is one incremental piece of model output. Either field may be
// empty; a fragment with both empty carries nothing.
type Fragment struct {
	Content   string
	Reasoning string
}

func (f Fragment) Empty() bool {
	return f.Content == "" && f.Reasoning == ""
}

// Stream is a pull-based iterator over a streaming completion.
//
// Next returns io.EOF once the response is complete or after Abort. Any
// other error means the request failed; fragments received before the
// failure have already been returned.
type Stream interface {
	Next(ctx context.Context) (Fragment, error)
	// Abort terminates the underlying request. It is safe to call more than
	// once and from any goroutine.
	Abort()
}

type stream struct {
	fragments chan Fragment
	cancel    context.CancelFunc
	aborted   atomic.Bool
	// err is written before fragments is closed.
	err error
}

func startStream(ctx context.Context, b backend, model string, messages []llms.MessageContent) *stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &stream{
		fragments: make(chan Fragment),
		cancel:    cancel,
	}

	go func() {
		defer cancel()
		defer close(s.fragments)

		err := b.Stream(ctx, model, messages, func(_ context.Context, reasoning, content []byte) error {
			f := Fragment{Content: string(content), Reasoning: string(reasoning)}
			if f.Empty() {
				return nil
			}
			select {
			case s.fragments <- f:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil && !s.aborted.Load() {
			if errors.Is(err, context.Canceled) {
				s.err = err
			} else {
				s.err = fmt.Errorf("model stream failed: %w", classify(err))
			}
		}
	}()

	return s
}

func (s *stream) Next(ctx context.Context) (Fragment, error) {
	if s.aborted.Load() {
		return Fragment{}, io.EOF
	}
	select {
	case f, ok := <-s.fragments:
		if !ok {
			if s.err != nil && !s.aborted.Load() {
				return Fragment{}, s.err
			}
			return Fragment{}, io.EOF
		}
		if s.aborted.Load() {
			return Fragment{}, io.EOF
		}
		return f, nil
	case <-ctx.Done():
		return Fragment{}, ctx.Err()
	}
}

func (s *stream) Abort() {
	s.aborted.Store(true)
	s.cancel()
}
