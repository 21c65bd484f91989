package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"storefront/pkg/reactive"
)

// stream writes every snapshot of o as a server-sent event until the client
// goes away. Each event carries the full snapshot, so a reconnecting client
// needs no replay.
func stream[T any](w http.ResponseWriter, r *http.Request, event string, o reactive.Observable[T]) {
	rc := http.NewResponseController(w)
	// streams outlive the server's write timeout
	_ = rc.SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		logger(r).Warn("event stream unsupported", "err", err)
		return
	}

	ctx := r.Context()
	snapshots := o.Subscribe(ctx)
	heartbeat := time.NewTicker(heartbeatTick)
	defer heartbeat.Stop()
	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case v, ok := <-snapshots:
			if !ok {
				return
			}
			data, err := json.Marshal(v)
			if err != nil {
				logger(r).Error("encode event", "event", event, "err", err)
				return
			}
			seq++
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, event, data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
