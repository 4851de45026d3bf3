package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// ServeSSE writes a job's event stream to w in text/event-stream framing
// until the terminal event or the request context ends. The HTTP layer that
// routes to this helper lives outside this repo; the wire format is fixed
// here so every transport agrees on it.
func (b *Broker) ServeSSE(ctx context.Context, w http.ResponseWriter, jobID string) error {
	events, cancel, err := b.Subscribe(ctx, jobID)
	if err != nil {
		return err
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	fl, _ := w.(http.Flusher)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			name := "progress"
			if ev.Terminal {
				name = "done"
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
				return err
			}
			if fl != nil {
				fl.Flush()
			}
			if ev.Terminal {
				return nil
			}
		}
	}
}
