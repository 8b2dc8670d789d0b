// Package api exposes the intelligence pipeline over HTTP: job creation with
// optional live streaming, listing with fresh deal scores, job detail, and
// bulk cancellation. All routes except the health probe require bearer auth.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/scoutcrm/scout/internal/intel"
	"github.com/scoutcrm/scout/internal/scoring"
	"github.com/scoutcrm/scout/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// syncIterationCap bounds the ?wait=1 mode so a request cannot hold a
// connection for an unbounded research run.
const syncIterationCap = 8

type AppDeps struct {
	Manager *intel.Manager
	Store   *storage.Store
	Token   string
}

type createRequest struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	EntityName string `json:"entityName"`
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/intelligence", handleCreate(deps))
		r.Get("/intelligence", handleList(deps))
		r.Delete("/intelligence", handleCancelAll(deps))
		r.Get("/intelligence/{id}", handleGet(deps))
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.Ping(r.Context()); err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "storage unavailable: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// handleCreate starts a research job. Default mode returns 202 with the
// pending record and runs in the background; stream=1 holds the connection
// open for SSE progress; wait=1 runs inline under a hard iteration cap.
func handleCreate(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req createRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		job, err := deps.Manager.Create(r.Context(), req.EntityType, req.EntityID, req.EntityName)
		if err != nil {
			var verr *intel.ValidationError
			if errors.As(err, &verr) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", verr.Message)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "creating job: %v", err)
			return
		}

		switch {
		case wantsStream(r):
			streamJob(w, r, deps, job)
		case boolParam(r, "wait"):
			final, events, err := deps.Manager.RunSync(r.Context(), job, syncIterationCap)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "reading finished job: %v", err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"job":    jobView(final, time.Now().UTC()),
				"events": events,
			})
		default:
			deps.Manager.Start(job, nil)
			writeJSON(w, http.StatusAccepted, jobSummary(job))
		}
	}
}

func handleList(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := storage.ListFilter{
			Status:     q.Get("status"),
			EntityType: q.Get("entityType"),
			EntityID:   q.Get("entityId"),
			Sort:       q.Get("sort"),
			LatestOnly: boolParam(r, "latestOnly"),
		}
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a non-negative integer")
				return
			}
			filter.Limit = n
		}

		jobs, err := deps.Manager.List(r.Context(), filter)
		if err != nil {
			if errors.Is(err, storage.ErrTimeout) {
				httpError(w, http.StatusServiceUnavailable, "store_unavailable", "listing timed out")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "listing jobs: %v", err)
			return
		}

		now := time.Now().UTC()
		views := make([]map[string]any, len(jobs))
		for i, j := range jobs {
			views[i] = jobView(j, now)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"jobs":  views,
			"count": len(views),
		})
	}
}

func handleGet(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := deps.Manager.Get(id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "no job with id %s", id)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "reading job: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, jobView(job, time.Now().UTC()))
	}
}

func handleCancelAll(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := deps.Manager.CancelAll()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "cancelling jobs: %v", err)
			return
		}
		if ids == nil {
			ids = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"cancelled": len(ids),
			"total":     len(ids),
			"jobIds":    ids,
		})
	}
}

// jobView is the wire shape of a job. Deal jobs with a stored snapshot get a
// score computed at read time so listings reflect the current date.
func jobView(j intel.Job, now time.Time) map[string]any {
	view := map[string]any{
		"id":         j.ID,
		"entityType": j.EntityType,
		"entityId":   j.EntityID,
		"entityName": j.EntityName,
		"status":     j.Status,
		"version":    j.Version,
		"history":    j.History,
		"startedAt":  j.StartedAt,
	}
	if j.PreviousJobID != "" {
		view["previousJobId"] = j.PreviousJobID
	}
	if j.Result != nil {
		view["result"] = j.Result
	}
	if j.Error != "" {
		view["error"] = j.Error
	}
	if j.Stats != nil {
		view["stats"] = j.Stats
	}
	if len(j.Changes) > 0 {
		view["changes"] = j.Changes
	}
	if j.CompletedAt != nil {
		view["completedAt"] = j.CompletedAt
	}
	if j.DealSnapshot != nil {
		// Scores are recomputed from the stored snapshot on every read.
		view["dealDetails"] = map[string]any{
			"dealScore": scoring.Score(*j.DealSnapshot, now),
		}
	}
	return view
}

// jobSummary is the immediate-response shape for background job creation:
// identity and lineage only, never the history payload.
func jobSummary(j intel.Job) map[string]any {
	s := map[string]any{
		"id":           j.ID,
		"entityType":   j.EntityType,
		"entityId":     j.EntityID,
		"entityName":   j.EntityName,
		"status":       j.Status,
		"version":      j.Version,
		"isRerun":      j.IsRerun(),
		"historyCount": len(j.History),
		"startedAt":    j.StartedAt,
	}
	if j.PreviousJobID != "" {
		s["previousJobId"] = j.PreviousJobID
	}
	return s
}

// wantsStream reports whether the client negotiated server-sent events,
// either by Accept header or the stream query flag.
func wantsStream(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return true
	}
	return boolParam(r, "stream")
}

func boolParam(r *http.Request, name string) bool {
	v := r.URL.Query().Get(name)
	return v == "1" || v == "true"
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
