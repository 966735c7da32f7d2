package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/RichardoC/deepchat/internal/chat"
)

type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newEventStream(w http.ResponseWriter) (*eventStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming unsupported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &eventStream{w: w, flusher: flusher}, nil
}

func (s *eventStream) send(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// watch delivers the latest session view. A slow reader skips intermediate
// views but always sees the most recent one.
func watch(s *chat.Session) (<-chan chat.View, func()) {
	views := make(chan chat.View, 1)
	remove := s.OnChange(func(v chat.View) {
		for {
			select {
			case views <- v:
				return
			default:
			}
			select {
			case <-views:
			default:
			}
		}
	})
	return views, remove
}
