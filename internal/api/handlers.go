package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/kalambet/scoutd/internal/domain"
	"github.com/kalambet/scoutd/internal/pool"
	"github.com/kalambet/scoutd/internal/profile"
	"github.com/kalambet/scoutd/internal/scan"
	"github.com/kalambet/scoutd/internal/schedule"
	"github.com/kalambet/scoutd/internal/storage"
)

const (
	maxRequestBodySize = 64 * 1024
	defaultActionLimit = 50
	maxActionLimit     = 500
)

// ScanRunner runs and reschedules profile cycles.
// Implemented by schedule.Runner.
type ScanRunner interface {
	RunProfile(ctx context.Context, id string) (scan.Result, error)
	Reload() error
	Sweep() int
}

// PoolStatus reports a resource pool summary.
// Implemented by pool.Pool.
type PoolStatus interface {
	Status() (pool.Status, error)
}

// AppDeps holds dependencies for the management API.
type AppDeps struct {
	Store    *storage.Store
	Profiles *profile.Manager
	Runner   ScanRunner
	Pools    []PoolStatus
	Metrics  http.Handler // optional; served at /metrics when set
	Token    string
}

// ResourceView is a resource row without its credential payload.
type ResourceView struct {
	ID            string     `json:"id"`
	Kind          string     `json:"kind"`
	Label         string     `json:"label,omitempty"`
	Active        bool       `json:"active"`
	InUse         bool       `json:"in_use"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	ErrorCount    int        `json:"error_count"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// ResourceRequest provisions a new account or API key.
type ResourceRequest struct {
	ID         string          `json:"id,omitempty"`
	Kind       string          `json:"kind"`
	Label      string          `json:"label,omitempty"`
	Credential json.RawMessage `json:"credential"`
}

// ActionView is one dispatch record.
type ActionView struct {
	ID          string    `json:"id"`
	ProfileID   string    `json:"profile_id"`
	CandidateID string    `json:"candidate_id"`
	ResourceID  string    `json:"resource_id,omitempty"`
	Outcome     string    `json:"outcome"`
	ActionRef   string    `json:"action_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// StateView is the persisted cycle position of a profile.
type StateView struct {
	ProfileID      string     `json:"profile_id"`
	Cursor         string     `json:"cursor,omitempty"`
	CycleStartedAt *time.Time `json:"cycle_started_at,omitempty"`
	LastScanAt     *time.Time `json:"last_scan_at,omitempty"`
	Processed      int        `json:"processed"`
	Dispatched     int        `json:"dispatched"`
}

// NewAppHandler builds the management router. /health is public; every
// other route requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		if deps.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", deps.Metrics)
		}

		r.Get("/profiles", handleListProfiles(deps))
		r.Put("/profiles/{id}", handlePutProfile(deps))
		r.Get("/profiles/{id}/state", handleGetState(deps))
		r.Post("/profiles/{id}/scan", handleRunScan(deps))

		r.Get("/pools", handlePoolStatus(deps))
		r.Get("/resources", handleListResources(deps))
		r.Post("/resources", handleAddResource(deps))
		r.Post("/resources/sweep", handleSweep(deps))

		r.Get("/actions", handleListActions(deps))
	})

	return r
}

func handleListProfiles(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		activeOnly := r.URL.Query().Get("active") == "true"
		ps, err := deps.Profiles.List(activeOnly)
		if err != nil {
			httpError(w, http.StatusInternalServerError, errTypeInternal, "failed to list profiles: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, ps)
	}
}

func handlePutProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var p profile.Profile
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			httpError(w, http.StatusBadRequest, errTypeInvalidRequest, "invalid request body: %v", err)
			return
		}
		if p.ID != "" && p.ID != id {
			httpError(w, http.StatusBadRequest, errTypeInvalidRequest, "body id %q does not match path id %q", p.ID, id)
			return
		}
		p.ID = id

		if err := deps.Profiles.Put(p); err != nil {
			if errors.Is(err, profile.ErrInvalid) {
				httpError(w, http.StatusBadRequest, errTypeInvalidRequest, "%v", err)
				return
			}
			httpError(w, http.StatusInternalServerError, errTypeInternal, "failed to save profile: %v", err)
			return
		}
		if deps.Runner != nil {
			if err := deps.Runner.Reload(); err != nil {
				httpError(w, http.StatusInternalServerError, errTypeInternal, "profile saved but rescheduling failed: %v", err)
				return
			}
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handleGetState(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Profiles.Get(id); err != nil {
			profileError(w, id, err)
			return
		}
		st, err := deps.Store.GetScanState(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, errTypeInternal, "failed to load state: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, StateView{
			ProfileID:      id,
			Cursor:         st.Cursor,
			CycleStartedAt: st.CycleStartedAt,
			LastScanAt:     st.LastScanAt,
			Processed:      st.Processed,
			Dispatched:     st.Dispatched,
		})
	}
}

func handleRunScan(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		res, err := deps.Runner.RunProfile(r.Context(), id)
		switch {
		case err == nil:
		case errors.Is(err, storage.ErrNotFound):
			profileError(w, id, err)
			return
		case errors.Is(err, schedule.ErrBusy):
			httpError(w, http.StatusConflict, errTypeConflict, "a scan is already running for %s", id)
			return
		case errors.Is(err, scan.ErrTooSoon):
			httpError(w, http.StatusConflict, errTypeTooSoon, "profile %s was scanned less than its interval ago", id)
			return
		default:
			httpError(w, http.StatusInternalServerError, errTypeInternal, "scan failed: %v", err)
			return
		}

		code := ScanStatusCode(res)
		if res.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
		} else if res.EstimatedWaitMinutes > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(res.EstimatedWaitMinutes*60))
		}
		writeJSON(w, code, res)
	}
}

// ScanStatusCode maps a finished cycle onto an HTTP status.
func ScanStatusCode(res scan.Result) int {
	switch res.Reason {
	case "":
		return http.StatusOK
	case scan.RateLimited, scan.NoResourceAvailable:
		return http.StatusTooManyRequests
	case scan.AuthFailure:
		return http.StatusBadGateway
	case scan.TransientNetwork, scan.Canceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func handlePoolStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := make([]pool.Status, 0, len(deps.Pools))
		for _, p := range deps.Pools {
			st, err := p.Status()
			if err != nil {
				httpError(w, http.StatusInternalServerError, errTypeInternal, "failed to read pool status: %v", err)
				return
			}
			out = append(out, st)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleListResources(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		rs, err := deps.Store.ListResources(storage.ResourceFilter{
			Kind:       q.Get("kind"),
			ActiveOnly: q.Get("active") == "true",
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, errTypeInternal, "failed to list resources: %v", err)
			return
		}
		out := make([]ResourceView, 0, len(rs))
		for _, res := range rs {
			out = append(out, resourceView(res))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleAddResource(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req ResourceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, errTypeInvalidRequest, "invalid request body: %v", err)
			return
		}
		if err := validateCredential(req.Kind, req.Credential); err != nil {
			httpError(w, http.StatusBadRequest, errTypeInvalidRequest, "%v", err)
			return
		}
		if req.ID == "" {
			req.ID = uuid.New().String()
		}
		if _, err := deps.Store.GetResource(req.ID); err == nil {
			httpError(w, http.StatusConflict, errTypeConflict, "resource %s already exists", req.ID)
			return
		} else if !errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusInternalServerError, errTypeInternal, "failed to check resource: %v", err)
			return
		}

		if err := deps.Store.AddResource(storage.Resource{
			ID:             req.ID,
			Kind:           req.Kind,
			Label:          req.Label,
			CredentialJSON: string(req.Credential),
		}); err != nil {
			httpError(w, http.StatusInternalServerError, errTypeInternal, "failed to add resource: %v", err)
			return
		}
		added, err := deps.Store.GetResource(req.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, errTypeInternal, "failed to reload resource: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, resourceView(*added))
	}
}

func handleSweep(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]int{"released": deps.Runner.Sweep()})
	}
}

func handleListActions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := actionFilter(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, errTypeInvalidRequest, "%v", err)
			return
		}
		recs, err := deps.Store.ListActions(f)
		if err != nil {
			httpError(w, http.StatusInternalServerError, errTypeInternal, "failed to list actions: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, actionViews(recs))
	}
}

func actionFilter(r *http.Request) (storage.ActionFilter, error) {
	q := r.URL.Query()
	f := storage.ActionFilter{
		ProfileID: q.Get("profile_id"),
		Outcome:   q.Get("outcome"),
		Limit:     defaultActionLimit,
	}
	switch f.Outcome {
	case "", storage.OutcomePending, storage.OutcomeDispatched, storage.OutcomeSkipped, storage.OutcomeFailed:
	default:
		return f, fmt.Errorf("unknown outcome %q", f.Outcome)
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("since must be RFC3339: %v", err)
		}
		f.Since = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, fmt.Errorf("limit must be a positive integer")
		}
		f.Limit = min(n, maxActionLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("offset must be a non-negative integer")
		}
		f.Offset = n
	}
	return f, nil
}

func validateCredential(kind string, raw json.RawMessage) error {
	if len(raw) == 0 {
		return errors.New("credential is required")
	}
	switch kind {
	case domain.KindAccount:
		var a domain.Account
		if err := json.Unmarshal(raw, &a); err != nil {
			return fmt.Errorf("invalid account credential: %v", err)
		}
		if strings.TrimSpace(a.Username) == "" || a.Password == "" {
			return errors.New("account credential needs username and password")
		}
	case domain.KindAPIKey:
		var k domain.APIKey
		if err := json.Unmarshal(raw, &k); err != nil {
			return fmt.Errorf("invalid api key credential: %v", err)
		}
		if strings.TrimSpace(k.Key) == "" {
			return errors.New("api key credential needs a key")
		}
	default:
		return fmt.Errorf("kind must be %q or %q", domain.KindAccount, domain.KindAPIKey)
	}
	return nil
}

func profileError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, errTypeNotFound, "profile %s not found", id)
		return
	}
	httpError(w, http.StatusInternalServerError, errTypeInternal, "failed to load profile: %v", err)
}

func resourceView(r storage.Resource) ResourceView {
	return ResourceView{
		ID:            r.ID,
		Kind:          r.Kind,
		Label:         r.Label,
		Active:        r.Active,
		InUse:         r.InUse,
		CooldownUntil: r.CooldownUntil,
		ErrorCount:    r.ErrorCount,
		LastUsedAt:    r.LastUsedAt,
		LastError:     r.LastError,
		CreatedAt:     r.CreatedAt,
	}
}

func actionViews(recs []storage.ActionRecord) []ActionView {
	out := make([]ActionView, 0, len(recs))
	for _, a := range recs {
		out = append(out, ActionView{
			ID:          a.ID,
			ProfileID:   a.ProfileID,
			CandidateID: a.CandidateID,
			ResourceID:  a.ResourceID,
			Outcome:     a.Outcome,
			ActionRef:   a.ActionRef,
			CreatedAt:   a.CreatedAt,
		})
	}
	return out
}
