package cli

import (
	"fmt"
	"io"
	"sync"

	"github.com/RichardoC/deepchat/internal/chat"
	"github.com/fatih/color"
)

// renderer prints the growing draft of a turn as session views arrive.
type renderer struct {
	mu       sync.Mutex
	w        io.Writer
	prefix   string
	spinner  indicator
	spinning bool
	started  bool
	printed  int
	thinking int
}

func newRenderer(w io.Writer, prefix string, spin indicator) *renderer {
	return &renderer{w: w, prefix: prefix, spinner: spin}
}

// update is registered with Session.OnChange.
func (r *renderer) update(v chat.View) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case v.Waiting && !r.spinning:
		r.spinner.Start()
		r.spinning = true
	case !v.Waiting && r.spinning:
		r.spinner.Stop()
		r.spinning = false
	}

	for _, m := range v.Messages {
		if !m.Draft || m.Failed != "" {
			continue
		}
		r.writeLocked(m.Thinking, m.Content)
	}
}

func (r *renderer) writeLocked(thinking, content string) {
	if len(thinking) > r.thinking {
		if !r.started {
			fmt.Fprint(r.w, r.prefix)
			r.started = true
		}
		color.New(color.FgHiBlack).Fprint(r.w, thinking[r.thinking:])
		r.thinking = len(thinking)
	}
	if len(content) > r.printed {
		if !r.started {
			fmt.Fprint(r.w, r.prefix)
			r.started = true
		}
		if r.printed == 0 && r.thinking > 0 {
			fmt.Fprint(r.w, "\n\n"+r.prefix)
		}
		fmt.Fprint(r.w, content[r.printed:])
		r.printed = len(content)
	}
}

// finish prints whatever of final has not been shown yet and ends the line.
func (r *renderer) finish(final string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.spinning {
		r.spinner.Stop()
		r.spinning = false
	}
	if len(final) > r.printed {
		r.writeLocked("", final)
	}
	if r.started {
		fmt.Fprintln(r.w)
	}
	fmt.Fprintln(r.w)
}
