package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/scoutcrm/scout/internal/agent"
	"github.com/scoutcrm/scout/internal/intel"
)

// streamEventBuffer absorbs bursts from the executor between flushes. Once it
// fills the producer blocks on the writer, so no frame is lost or reordered
// while the client is connected.
const streamEventBuffer = 64

// streamJob runs the job while relaying progress over server-sent events.
// Every emitted event reaches a connected client in emission order, and
// exactly one terminal frame (complete or error) ends the stream. If the
// client disconnects mid-run the job keeps executing and subsequent events
// are discarded.
func streamJob(w http.ResponseWriter, r *http.Request, deps AppDeps, job intel.Job) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming unsupported by connection")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeFrame(w, "start", map[string]any{
		"jobId":      job.ID,
		"entityType": job.EntityType,
		"entityName": job.EntityName,
		"version":    job.Version,
	})
	flusher.Flush()

	events := make(chan agent.Event, streamEventBuffer)
	done := make(chan struct{})
	defer close(done)
	deps.Manager.Start(job, func(ev agent.Event) {
		// The send blocks while the stream is live; done releases the
		// producer once the handler has returned, so a gone client never
		// stalls the run.
		select {
		case events <- ev:
		case <-done:
		}
	})

	clientGone := r.Context().Done()
	for {
		select {
		case <-clientGone:
			return
		case ev := <-events:
			writeFrame(w, frameName(ev.Type), frameBody(ev))
			flusher.Flush()
			if ev.Type == agent.EventComplete || ev.Type == agent.EventError {
				return
			}
		}
	}
}

func frameName(t agent.EventType) string {
	switch t {
	case agent.EventComplete:
		return "complete"
	case agent.EventError:
		return "error"
	default:
		return "progress"
	}
}

func frameBody(ev agent.Event) map[string]any {
	status := "running"
	switch ev.Type {
	case agent.EventComplete:
		status = "complete"
	case agent.EventError:
		status = "error"
	}
	body := map[string]any{
		"step":    ev.Step,
		"message": ev.Message,
		"status":  status,
	}
	if ev.Data != nil {
		body["data"] = ev.Data
	}
	return body
}

func writeFrame(w http.ResponseWriter, event string, body any) {
	b, err := json.Marshal(body)
	if err != nil {
		b = []byte(`{}`)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
}
