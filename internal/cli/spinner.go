package cli

import (
	"io"
	"time"

	"github.com/briandowns/spinner"
)

// indicator shows that the model has not produced anything yet.
type indicator interface {
	Start()
	Stop()
}

func newSpinner(w io.Writer, msg string) indicator {
	s := spinner.New(spinner.CharSets[14], 80*time.Millisecond, spinner.WithWriter(w))
	s.Suffix = "  " + msg
	_ = s.Color("cyan")
	return s
}

type nopIndicator struct{}

func (nopIndicator) Start() {}
func (nopIndicator) Stop()  {}
