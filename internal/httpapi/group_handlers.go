package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Dangere/syncora-backend/internal/domain"
	"github.com/Dangere/syncora-backend/internal/service"
)

// groupView is the read model of one group.
type groupView struct {
	domain.Group
	Owner     domain.Account    `json:"owner"`
	Members   []domain.Account  `json:"members"`
	WorkItems []domain.WorkItem `json:"work_items"`
}

func viewOf(s domain.GroupState) groupView {
	v := groupView{
		Group:     s.Group,
		Owner:     s.Owner,
		Members:   make([]domain.Account, 0, len(s.Members)),
		WorkItems: s.WorkItems,
	}
	for _, m := range s.Members {
		v.Members = append(v.Members, m.Account)
	}
	if v.WorkItems == nil {
		v.WorkItems = []domain.WorkItem{}
	}
	return v
}

func (a *API) ListGroups(w http.ResponseWriter, r *http.Request) {
	states, err := a.service.ListGroups(r.Context(), callerID(r))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	out := make([]groupView, 0, len(states))
	for _, s := range states {
		out = append(out, viewOf(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": out})
}

func (a *API) GetGroup(w http.ResponseWriter, r *http.Request) {
	s, err := a.service.GetGroup(r.Context(), callerID(r), chi.URLParam(r, "groupID"))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(s))
}

func (a *API) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var in service.NewGroup
	if !a.decode(w, r, &in) {
		return
	}
	g, err := a.service.CreateGroup(r.Context(), callerID(r), in)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (a *API) UpdateGroup(w http.ResponseWriter, r *http.Request) {
	var patch service.GroupPatch
	if !a.decode(w, r, &patch) {
		return
	}
	g, err := a.service.UpdateGroup(r.Context(), callerID(r), chi.URLParam(r, "groupID"), patch)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (a *API) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DeleteGroup(r.Context(), callerID(r), chi.URLParam(r, "groupID")); err != nil {
		a.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) GrantAccess(w http.ResponseWriter, r *http.Request) {
	acc, err := a.service.GrantAccess(r.Context(), callerID(r),
		chi.URLParam(r, "groupID"), chi.URLParam(r, "username"))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) RevokeAccess(w http.ResponseWriter, r *http.Request) {
	err := a.service.RevokeAccess(r.Context(), callerID(r),
		chi.URLParam(r, "groupID"), chi.URLParam(r, "username"))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) LeaveGroup(w http.ResponseWriter, r *http.Request) {
	if err := a.service.LeaveGroup(r.Context(), callerID(r), chi.URLParam(r, "groupID")); err != nil {
		a.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListWorkItems serves GET /v1/groups/{groupID}/work-items?since=<RFC3339Nano>.
func (a *API) ListWorkItems(w http.ResponseWriter, r *http.Request) {
	since, ok := parseSince(w, r)
	if !ok {
		return
	}
	items, err := a.service.ListWorkItems(r.Context(), callerID(r), chi.URLParam(r, "groupID"), since)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"work_items": items})
}

func (a *API) GetWorkItem(w http.ResponseWriter, r *http.Request) {
	item, err := a.service.GetWorkItem(r.Context(), callerID(r), chi.URLParam(r, "itemID"))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (a *API) CreateWorkItem(w http.ResponseWriter, r *http.Request) {
	var in service.NewWorkItem
	if !a.decode(w, r, &in) {
		return
	}
	item, err := a.service.CreateWorkItem(r.Context(), callerID(r), chi.URLParam(r, "groupID"), in)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (a *API) UpdateWorkItem(w http.ResponseWriter, r *http.Request) {
	var patch service.WorkItemPatch
	if !a.decode(w, r, &patch) {
		return
	}
	item, err := a.service.UpdateWorkItem(r.Context(), callerID(r), chi.URLParam(r, "itemID"), patch)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (a *API) DeleteWorkItem(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DeleteWorkItem(r.Context(), callerID(r), chi.URLParam(r, "itemID")); err != nil {
		a.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
