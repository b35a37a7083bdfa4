package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/metric-attribution/internal/attribution"
)

type handlers struct {
	svc Service
}

func (h *handlers) listMetrics(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 1, attribution.MaxLimit)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	metrics, err := h.svc.ListMetrics(r.Context(), r.URL.Query().Get("metricName"), limit)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, metrics)
}

func (h *handlers) listTrees(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 1, attribution.MaxLimit)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	trees, err := h.svc.ListTrees(r.Context(), r.URL.Query().Get("treeName"), limit)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, trees)
}

func (h *handlers) treeConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.svc.GetTreeConfig(r.Context(), chi.URLParam(r, "treeId"))
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, cfg)
}

func (h *handlers) createTask(w http.ResponseWriter, r *http.Request) {
	var req attribution.CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	created, err := h.svc.CreateTask(r.Context(), req, r.Header.Get(UserHeader))
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, created)
}

func (h *handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	pageNo, err := intParam(r, "pageNo", 1, 0)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	pageSize, err := intParam(r, "pageSize", 1, attribution.MaxLimit)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	q := r.URL.Query()
	list, err := h.svc.ListTasks(r.Context(), attribution.TaskQuery{
		TreeName: q.Get("treeName"),
		Creator:  q.Get("creator"),
		PageNo:   pageNo,
		PageSize: pageSize,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, list)
}

func (h *handlers) taskStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.GetTaskStatus(r.Context(), chi.URLParam(r, "taskId"))
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, status)
}

func (h *handlers) taskResult(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.GetResult(r.Context(), chi.URLParam(r, "taskId"))
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, res)
}

func (h *handlers) taskReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.GetReport(r.Context(), chi.URLParam(r, "taskId"))
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, report)
}

// intParam parses an optional integer query parameter. Absent parameters
// yield 0 so the service applies its default. hi <= 0 means unbounded.
func intParam(r *http.Request, name string, lo, hi int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, eris.Errorf("%s must be an integer", name)
	}
	if v < lo || (hi > 0 && v > hi) {
		if hi > 0 {
			return 0, eris.Errorf("%s must be between %d and %d", name, lo, hi)
		}
		return 0, eris.Errorf("%s must be >= %d", name, lo)
	}
	return v, nil
}
