package httpserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	appai "github.com/bryanwahyu/ecranner/internal/application/ai"
	"github.com/bryanwahyu/ecranner/internal/application/pipeline"
	appscans "github.com/bryanwahyu/ecranner/internal/application/scans"
	domai "github.com/bryanwahyu/ecranner/internal/domain/ai"
	domain "github.com/bryanwahyu/ecranner/internal/domain/scans"
	"github.com/bryanwahyu/ecranner/internal/middleware"
)

// ErrBusy is returned when a run is requested while another one is active.
var ErrBusy = errors.New("a run is already in progress")

// Runner executes one pipeline run; *pipeline.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, opts pipeline.Options) (pipeline.Summary, error)
}

// Options wires the router. Scans is required; everything else is optional.
type Options struct {
	Scans    *appscans.Service
	AI       *appai.Service
	Runner   Runner
	Accounts []domain.Account
	// Notify reports whether a Slack webhook is configured.
	Notify bool

	Metrics     *middleware.Metrics
	RateLimiter *middleware.RateLimiter
	APIKeys     map[string]string
	CORSOrigins []string
	Checks      map[string]middleware.HealthChecker
	Log         logrus.FieldLogger
}

type Router struct {
	opts Options
	log  logrus.FieldLogger
	mux  chi.Router

	busy atomic.Bool
	runs sync.WaitGroup
	// lastRun holds the summary of the most recent finished run.
	lastRun atomic.Pointer[runStatus]
}

type runStatus struct {
	Summary    pipeline.Summary `json:"summary"`
	Error      string           `json:"error,omitempty"`
	FinishedAt time.Time        `json:"finished_at"`
}

func NewRouter(opts Options) *Router {
	log := opts.Log
	if log == nil {
		log = logrus.WithField("component", "http")
	}
	r := &Router{opts: opts, log: log}

	mux := chi.NewRouter()
	mux.Use(chimw.RequestID)
	mux.Use(chimw.Recoverer)
	mux.Use(middleware.Logging(log))
	if opts.Metrics != nil {
		mux.Use(opts.Metrics.Middleware)
	}
	if len(opts.CORSOrigins) > 0 {
		mux.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}
	mux.Use(middleware.APIKeyAuth(opts.APIKeys))
	if opts.RateLimiter != nil {
		mux.Use(opts.RateLimiter.Middleware)
	}

	checks := opts.Checks
	if checks == nil {
		checks = map[string]middleware.HealthChecker{}
	}
	mux.Get("/health", middleware.HealthHandler(checks))
	mux.Get("/ready", middleware.ReadinessHandler)
	mux.Get("/live", middleware.LivenessHandler)
	if opts.Metrics != nil {
		mux.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	mux.Post("/v1/runs", r.wrap(r.handleTriggerRun))
	mux.Get("/v1/runs/last", r.wrap(r.handleLastRun))

	mux.Route("/v1/{account}", func(rt chi.Router) {
		rt.Use(middleware.RequireAccount)
		rt.Get("/scans/latest", r.wrap(r.handleLatest))
		rt.Get("/scans", r.wrap(r.handleList))
		rt.Get("/scans/{id}", r.wrap(r.handleGet))
		rt.Get("/scans/{id}/analysis", r.wrap(r.handleScanAnalysis))
		rt.Get("/summary", r.wrap(r.handleSummary))
		rt.Get("/runs/{run}/errors", r.wrap(r.handleRunErrors))
		rt.Post("/ai/analyze", r.wrap(r.handleAIAnalyze))
		rt.Get("/ai/analyze", r.wrap(r.handleAIAnalyzeList))
	})

	r.mux = mux
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Wait blocks until background runs finish or ctx is done.
func (r *Router) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// badRequest marks client errors.
type badRequest struct{ error }

func badRequestf(format string, args ...any) error {
	return badRequest{fmt.Errorf(format, args...)}
}

type forbidden struct{ error }

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}
		var br badRequest
		var fb forbidden
		switch {
		case errors.As(err, &br):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.As(err, &fb):
			http.Error(w, err.Error(), http.StatusForbidden)
		case errors.Is(err, sql.ErrNoRows):
			http.Error(w, "not found", http.StatusNotFound)
		case errors.Is(err, ErrBusy):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, domai.ErrQuotaExceeded):
			http.Error(w, "ai quota exceeded", http.StatusTooManyRequests)
		case errors.Is(err, appai.ErrNotConfigured):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		default:
			r.log.WithError(err).WithField("path", req.URL.Path).Error("request failed")
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func queryInt(req *http.Request, key string) int {
	n, _ := strconv.Atoi(req.URL.Query().Get(key))
	return n
}

//
// ==== RUNS ====
//

// POST /v1/runs
// Body: {"rm": bool, "slack": bool, "accounts": [...], "images": [...]}
func (r *Router) handleTriggerRun(w http.ResponseWriter, req *http.Request) error {
	if r.opts.Runner == nil {
		return errors.New("pipeline is not configured")
	}
	var body struct {
		Remove   bool     `json:"rm"`
		Slack    bool     `json:"slack"`
		Accounts []string `json:"accounts"`
		Images   []string `json:"images"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		return badRequestf("invalid body: %v", err)
	}
	if body.Slack && !r.opts.Notify {
		return badRequestf("slack is not configured")
	}

	accounts, err := r.selectAccounts(req.Context(), body.Accounts)
	if err != nil {
		return err
	}
	if len(body.Images) > 0 {
		for _, img := range body.Images {
			if err := middleware.ValidateImageName(img); err != nil {
				return badRequest{err}
			}
		}
		for i := range accounts {
			accounts[i].Images = body.Images
		}
	}

	if !r.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	opts := pipeline.Options{Accounts: accounts, RemoveAfterScan: body.Remove, Notify: body.Slack}
	r.runs.Add(1)
	// jalan di background sampai selesai
	go r.run(opts)

	return writeJSON(w, http.StatusAccepted, map[string]any{
		"status":    "queued",
		"accounts":  lo.Map(accounts, func(a domain.Account, _ int) string { return a.Name }),
		"rm":        body.Remove,
		"slack":     body.Slack,
		"queued_at": time.Now().UTC(),
	})
}

// selectAccounts picks configured accounts by alias. A key bound to one
// account may only run that account.
func (r *Router) selectAccounts(ctx context.Context, names []string) ([]domain.Account, error) {
	auth := middleware.GetAccountFromContext(ctx)
	if len(names) == 0 && auth != "" {
		names = []string{auth}
	}
	if auth != "" {
		for _, n := range names {
			if n != auth {
				return nil, forbidden{fmt.Errorf("API key is not valid for account %s", n)}
			}
		}
	}

	if len(names) == 0 {
		return append([]domain.Account(nil), r.opts.Accounts...), nil
	}
	byName := lo.KeyBy(r.opts.Accounts, func(a domain.Account) string { return a.Name })
	out := make([]domain.Account, 0, len(names))
	for _, n := range lo.Uniq(names) {
		a, ok := byName[n]
		if !ok {
			return nil, badRequestf("unknown account %q", n)
		}
		out = append(out, a)
	}
	return out, nil
}

func (r *Router) run(opts pipeline.Options) {
	defer r.runs.Done()
	defer r.busy.Store(false)

	done := func() {}
	if r.opts.Metrics != nil {
		done = r.opts.Metrics.RunStarted()
	}
	defer done()

	status := &runStatus{}
	defer func() {
		if p := recover(); p != nil {
			status.Error = fmt.Sprintf("panic: %v", p)
			r.log.WithField("panic", p).Error("pipeline run panicked")
		}
		status.FinishedAt = time.Now().UTC()
		r.lastRun.Store(status)
	}()

	sum, err := r.opts.Runner.Run(context.Background(), opts)
	status.Summary = sum
	result := "ok"
	if err != nil {
		status.Error = err.Error()
		result = "error"
		var perr *pipeline.Error
		if errors.As(err, &perr) {
			result = "pull_failed"
		}
		r.log.WithError(err).WithField("run", sum.RunID).Error("background run failed")
	} else {
		r.log.WithFields(logrus.Fields{
			"run":       sum.RunID,
			"scanned":   sum.Scanned,
			"delivered": sum.Delivered,
		}).Info("background run finished")
	}
	if r.opts.Metrics != nil {
		r.opts.Metrics.ObserveRun(result, sum.Scanned, sum.Absent, sum.Delivered, sum.Failed, sum.Duration)
	}
}

// GET /v1/runs/last
func (r *Router) handleLastRun(w http.ResponseWriter, req *http.Request) error {
	st := r.lastRun.Load()
	if st == nil {
		return writeJSON(w, http.StatusOK, map[string]any{"busy": r.busy.Load()})
	}
	return writeJSON(w, http.StatusOK, map[string]any{"busy": r.busy.Load(), "last": st})
}

//
// ==== SCAN HISTORY ====
//

// GET /v1/{account}/scans/latest?limit=20
func (r *Router) handleLatest(w http.ResponseWriter, req *http.Request) error {
	account := chi.URLParam(req, "account")
	limit := middleware.ValidateLimit(queryInt(req, "limit"))

	list, err := r.opts.Scans.Latest(req.Context(), account, limit)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, list)
}

// GET /v1/{account}/scans?page=&page_size=&image=&status=&run_id=
func (r *Router) handleList(w http.ResponseWriter, req *http.Request) error {
	account := chi.URLParam(req, "account")
	q := req.URL.Query()
	page := middleware.ValidatePage(queryInt(req, "page"))
	size := middleware.ValidateLimit(queryInt(req, "page_size"))

	filters := map[string]interface{}{}
	if v := q.Get(domain.FilterImage); v != "" {
		filters[domain.FilterImage] = v
	}
	if v := q.Get(domain.FilterStatus); v != "" {
		if v != string(domain.StatusSuccess) && v != string(domain.StatusAbsent) {
			return badRequestf("invalid status %q", v)
		}
		filters[domain.FilterStatus] = v
	}
	if v := q.Get(domain.FilterRun); v != "" {
		filters[domain.FilterRun] = v
	}

	res, err := r.opts.Scans.Paginate(req.Context(), account, page, size, filters)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, res)
}

// GET /v1/{account}/scans/{id}
func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) error {
	account := chi.URLParam(req, "account")
	id := chi.URLParam(req, "id")
	if err := middleware.ValidateScanID(id); err != nil {
		return badRequest{err}
	}

	scan, err := r.opts.Scans.Get(req.Context(), account, domain.ScanID(id))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, scan)
}

// GET /v1/{account}/summary?days=7
func (r *Router) handleSummary(w http.ResponseWriter, req *http.Request) error {
	account := chi.URLParam(req, "account")
	days := middleware.ValidateDays(queryInt(req, "days"))

	summary, err := r.opts.Scans.Summary(req.Context(), account, days)
	if err != nil {
		return err
	}
	summary["days"] = days
	return writeJSON(w, http.StatusOK, summary)
}

// GET /v1/{account}/runs/{run}/errors?limit=
func (r *Router) handleRunErrors(w http.ResponseWriter, req *http.Request) error {
	account := chi.URLParam(req, "account")
	run := chi.URLParam(req, "run")
	if err := middleware.ValidateScanID(run); err != nil {
		return badRequestf("invalid run id")
	}

	list, err := r.opts.Scans.RunErrors(req.Context(), account, run, middleware.ValidateLimit(queryInt(req, "limit")))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, list)
}

//
// ==== AI ====
//

// POST /v1/{account}/ai/analyze
// Body: {"scan_id": "<id>"}
func (r *Router) handleAIAnalyze(w http.ResponseWriter, req *http.Request) error {
	if r.opts.AI == nil {
		return appai.ErrNotConfigured
	}
	account := chi.URLParam(req, "account")
	var body struct {
		ScanID string `json:"scan_id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return badRequestf("invalid body: %v", err)
	}
	if err := middleware.ValidateScanID(body.ScanID); err != nil {
		return badRequest{err}
	}

	scan, err := r.opts.Scans.Get(req.Context(), account, domain.ScanID(body.ScanID))
	if err != nil {
		return err
	}
	if scan.Status != domain.StatusSuccess {
		return badRequestf("scan %s has no report to analyze", body.ScanID)
	}

	a, err := r.opts.AI.AnalyzeAndStore(req.Context(), account, scan, nil)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, a)
}

// GET /v1/{account}/ai/analyze?page=&page_size=
func (r *Router) handleAIAnalyzeList(w http.ResponseWriter, req *http.Request) error {
	if r.opts.AI == nil {
		return appai.ErrNotConfigured
	}
	account := chi.URLParam(req, "account")
	page := middleware.ValidatePage(queryInt(req, "page"))
	size := middleware.ValidateLimit(queryInt(req, "page_size"))

	list, err := r.opts.AI.ListAnalyses(req.Context(), account, page, size)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, list)
}

// GET /v1/{account}/scans/{id}/analysis
func (r *Router) handleScanAnalysis(w http.ResponseWriter, req *http.Request) error {
	if r.opts.AI == nil {
		return appai.ErrNotConfigured
	}
	account := chi.URLParam(req, "account")
	id := chi.URLParam(req, "id")
	if err := middleware.ValidateScanID(id); err != nil {
		return badRequest{err}
	}

	a, err := r.opts.AI.LatestForScan(req.Context(), account, id)
	if err != nil {
		return err
	}
	if a == nil {
		return sql.ErrNoRows
	}
	return writeJSON(w, http.StatusOK, a)
}
