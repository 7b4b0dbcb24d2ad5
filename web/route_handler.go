package web

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/handlers"

	"github.com/valhalla/jobcore/client"
	"github.com/valhalla/jobcore/internal/state"
	"github.com/valhalla/jobcore/types"
)

type HttpRouteHandler struct {
	manager           *client.JobManager
	AdminUserName     string
	AdminPasswordHash string
	Port              uint
}

func NewRouteHandler(manager *client.JobManager, adminUserName, adminPasswordHash string, port uint) *HttpRouteHandler {
	return &HttpRouteHandler{
		manager:           manager,
		AdminUserName:     adminUserName,
		AdminPasswordHash: adminPasswordHash,
		Port:              port,
	}
}

// Handler returns every route behind the rate limiter.
func (handler *HttpRouteHandler) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", handler.handleHealth)

	mux.HandleFunc("POST /api/jobs", handler.handleCreateJob)
	mux.HandleFunc("GET /api/jobs", handler.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", handler.handleGetJob)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", handler.handleCancelJob)
	mux.HandleFunc("GET /api/jobs/{id}/runs", handler.handleListRuns)
	mux.HandleFunc("GET /api/stats", handler.handleStats)

	mux.HandleFunc("POST /api/batches", handler.handleCreateBatch)
	mux.HandleFunc("POST /api/batches/{id}/enqueue", handler.handleEnqueue)
	mux.HandleFunc("GET /api/batches/{id}", handler.handleBatchSummary)

	mux.HandleFunc("GET /api/tenants/{tenant}/quota", handler.handleQuota)

	mux.HandleFunc("GET /api/admin/limits/{tenant}", handler.adminMiddleware(handler.handleGetLimit))
	mux.HandleFunc("PUT /api/admin/limits/{tenant}", handler.adminMiddleware(handler.handlePutLimit))
	mux.HandleFunc("GET /api/admin/rate-limits", handler.adminMiddleware(handler.handleListRules))
	mux.HandleFunc("PUT /api/admin/rate-limits", handler.adminMiddleware(handler.handlePutRule))

	return handler.rateLimitMiddleware(mux)
}

// Serve listens on Port until ctx is cancelled, then shuts down gracefully.
func (handler *HttpRouteHandler) Serve(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", handler.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handlers.LoggingHandler(os.Stdout, handler.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		printBanner(addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("web: shutdown: %v", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (handler *HttpRouteHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jobResponse exposes last_error, which types.Job keeps out of its JSON.
type jobResponse struct {
	types.Job
	LastError string `json:"last_error,omitempty"`
}

func toJobResponse(job types.Job) jobResponse {
	return jobResponse{Job: job, LastError: job.LastError.String}
}

func (handler *HttpRouteHandler) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var job types.NewJob
	if err := decodeBody(r, &job); err != nil {
		badRequest(w, "invalid job: "+err.Error())
		return
	}
	id, err := handler.manager.CreateJob(r.Context(), job)
	if err != nil {
		writeError(w, err)
		return
	}
	if id == 0 {
		// queued through the message broker; the ID is assigned on write
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": true})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (handler *HttpRouteHandler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := types.JobFilter{
		TenantID: strings.TrimSpace(q.Get("tenant")),
		Status:   state.JobStatus(strings.TrimSpace(q.Get("status"))),
	}
	jobs, err := handler.manager.ListJobs(r.Context(), filter, getPageNumber(r), getPageSize(r))
	if err != nil {
		if filter.Status != "" && !filter.Status.IsValid() {
			badRequest(w, err.Error())
			return
		}
		writeError(w, err)
		return
	}

	items := make([]jobResponse, 0, len(jobs.Items))
	for _, j := range jobs.Items {
		items = append(items, toJobResponse(j))
	}
	writeJSON(w, http.StatusOK, types.NewPaginationResult(items, jobs.TotalItems, jobs.Page, jobs.PageSize))
}

func (handler *HttpRouteHandler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	job, err := handler.manager.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(*job))
}

func (handler *HttpRouteHandler) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	ok, err := handler.manager.CancelJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "job already finished"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

func (handler *HttpRouteHandler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	runs, err := handler.manager.ListRuns(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []types.JobRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (handler *HttpRouteHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := handler.manager.CountJobsGroupedByStatus(r.Context(), r.URL.Query().Get("tenant"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

type createBatchRequest struct {
	TenantID string              `json:"tenant_id"`
	Template types.BatchTemplate `json:"template"`
	Total    int                 `json:"total"`
}

func (handler *HttpRouteHandler) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid batch: "+err.Error())
		return
	}
	id, err := handler.manager.CreateBatch(r.Context(), req.TenantID, req.Template, req.Total)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

type enqueueRequest struct {
	Items [][]any `json:"items"`
}

// handleEnqueue adds the batch's next job, or one job per item when items
// are given.
func (handler *HttpRouteHandler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	var req enqueueRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			badRequest(w, "invalid enqueue request: "+err.Error())
			return
		}
	}

	if len(req.Items) > 0 {
		res, err := handler.manager.EnqueueItems(r.Context(), id, req.Items)
		if err != nil {
			writeError(w, err)
			return
		}
		if res.Quota != nil {
			writeJSON(w, http.StatusTooManyRequests, res.Quota)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job_ids": res.JobIDs})
		return
	}

	res, err := handler.manager.EnqueueNext(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	switch {
	case res.Quota != nil:
		writeJSON(w, http.StatusTooManyRequests, res.Quota)
	case len(res.JobIDs) == 0:
		writeJSON(w, http.StatusConflict, errorResponse{Error: "batch is complete"})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"job_id": res.JobIDs[0]})
	}
}

func (handler *HttpRouteHandler) handleBatchSummary(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	summary, err := handler.manager.BatchSummary(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (handler *HttpRouteHandler) handleQuota(w http.ResponseWriter, r *http.Request) {
	decision, err := handler.manager.MayAdmit(r.Context(), r.PathValue("tenant"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (handler *HttpRouteHandler) handleGetLimit(w http.ResponseWriter, r *http.Request) {
	limit, err := handler.manager.GetExportLimit(r.Context(), r.PathValue("tenant"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, limit)
}

func (handler *HttpRouteHandler) handlePutLimit(w http.ResponseWriter, r *http.Request) {
	var limit types.ExportLimit
	if err := decodeBody(r, &limit); err != nil {
		badRequest(w, "invalid limit: "+err.Error())
		return
	}
	limit.TenantID = r.PathValue("tenant")
	if err := handler.manager.SetExportLimit(r.Context(), limit); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, limit)
}

func (handler *HttpRouteHandler) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := handler.manager.ListRateLimitRules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if rules == nil {
		rules = []types.RateLimitRule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (handler *HttpRouteHandler) handlePutRule(w http.ResponseWriter, r *http.Request) {
	var rule types.RateLimitRule
	if err := decodeBody(r, &rule); err != nil {
		badRequest(w, "invalid rule: "+err.Error())
		return
	}
	if err := handler.manager.SetRateLimitRule(r.Context(), rule); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}
