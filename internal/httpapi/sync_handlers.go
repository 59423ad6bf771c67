package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Dangere/syncora-backend/internal/engine"
	"github.com/Dangere/syncora-backend/internal/service"
)

// PullSync serves GET /v1/sync?since=<RFC3339Nano>&include_deleted=<bool>.
// An absent since asks for a full snapshot.
func (a *API) PullSync(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	since, ok := parseSince(w, r)
	if !ok {
		return
	}
	includeDeleted := false
	if raw := q.Get("include_deleted"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "include_deleted must be a boolean")
			return
		}
		includeDeleted = b
	}

	p, err := a.engine.PullSync(r.Context(), callerID(r), since, includeDeleted)
	if err != nil {
		if engine.IsRetryable(err) {
			w.Header().Set("Retry-After", "1")
		}
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// parseSince reads the optional since query parameter. The zero time means absent.
func parseSince(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("since"))
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "since must be an RFC3339 timestamp")
		return time.Time{}, false
	}
	return t, true
}

func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	acc, err := a.service.Account(r.Context(), callerID(r))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) UpdateMe(w http.ResponseWriter, r *http.Request) {
	var patch service.ProfilePatch
	if !a.decode(w, r, &patch) {
		return
	}
	acc, err := a.service.UpdateProfile(r.Context(), callerID(r), patch)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}
