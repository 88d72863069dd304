package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/IshaanNene/pricewatch/internal/config"
	"github.com/IshaanNene/pricewatch/internal/jobs"
	"github.com/IshaanNene/pricewatch/internal/observability"
	"github.com/IshaanNene/pricewatch/internal/pricecache"
	"github.com/IshaanNene/pricewatch/internal/storage"
	"github.com/IshaanNene/pricewatch/internal/stores"
	"github.com/IshaanNene/pricewatch/internal/types"
)

// maxBodySize bounds request bodies.
const maxBodySize = 1 << 20

// Research reads research state for a query.
type Research interface {
	GetLog(ctx context.Context, query string) ([]types.ProgressLogEntry, error)
	GetInProgress(ctx context.Context, query string) (string, bool, error)
	GetIsComplete(ctx context.Context, query string) (string, bool, error)
	SearchResults(ctx context.Context, query string, f storage.ResearchFilter) ([]*types.ResearchRecord, error)
}

// Dispatcher queues background research.
type Dispatcher interface {
	Dispatch(ctx context.Context, query string) (*jobs.DispatchResult, error)
}

// JobLookup reads dispatched jobs.
type JobLookup interface {
	Get(id string) (*jobs.Job, bool)
}

// Prices updates and reports product price caches.
type Prices interface {
	UpdatePrices(ctx context.Context, productID int64) (bool, error)
	Summarize(ctx context.Context, productID int64) (*pricecache.Summary, error)
	SetInitialPrice(ctx context.Context, productID, urlID int64, value float64) (*types.Product, error)
}

// Deps are the collaborators behind the API.
type Deps struct {
	Research   Research
	Dispatcher Dispatcher
	Jobs       JobLookup
	Prices     Prices
	Metrics    *observability.Metrics
}

// Server is the pricewatch HTTP API.
type Server struct {
	router chi.Router
	addr   string
	deps   Deps
	srv    *http.Server
	logger *zap.Logger
}

// NewServer creates an API server bound to cfg.Addr.
func NewServer(cfg *config.APIConfig, deps Deps, logger *zap.Logger) *Server {
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics(logger)
	}
	s := &Server{
		router: chi.NewRouter(),
		addr:   cfg.Addr,
		deps:   deps,
		logger: logger.With(zap.String("component", "api_server")),
	}
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.logRequests)
	s.registerRoutes()
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server starting", zap.String("addr", s.addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return eris.Wrap(err, "api server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Get("/api/health", s.handleHealth)
	r.Handle("/metrics", s.deps.Metrics)

	r.Route("/api/research", func(r chi.Router) {
		r.Post("/", s.handleDispatch)
		r.Get("/status", s.handleStatus)
		r.Get("/log", s.handleLog)
		r.Get("/results", s.handleResults)
	})
	r.Get("/api/jobs/{id}", s.handleGetJob)

	r.Route("/api/products/{id}", func(r chi.Router) {
		r.Post("/prices", s.handleUpdatePrices)
		r.Get("/price-cache", s.handlePriceCache)
		r.Post("/initial-price", s.handleInitialPrice)
	})
	r.Post("/api/stores/validate", s.handleValidateStore)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": config.Version,
	})
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&body); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.Query == "" {
		s.errorResponse(w, http.StatusBadRequest, "query is required")
		return
	}

	res, err := s.deps.Dispatcher.Dispatch(r.Context(), body.Query)
	switch {
	case errors.Is(err, types.ErrAlreadyRunning):
		s.logger.Warn("research already in progress", zap.String("query", body.Query))
		s.jsonResponse(w, http.StatusOK, res)
	case err != nil:
		s.serverError(w, r, err)
	case res.JobID == "":
		s.jsonResponse(w, http.StatusOK, res)
	default:
		s.jsonResponse(w, http.StatusAccepted, res)
	}
}

type statusResponse struct {
	Query      string `json:"query"`
	InProgress string `json:"in_progress,omitempty"`
	Complete   string `json:"complete,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	q, ok := s.query(w, r)
	if !ok {
		return
	}
	resp := statusResponse{Query: q}
	started, _, err := s.deps.Research.GetInProgress(r.Context(), q)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	completed, _, err := s.deps.Research.GetIsComplete(r.Context(), q)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	resp.InProgress, resp.Complete = started, completed
	s.jsonResponse(w, http.StatusOK, resp)
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	q, ok := s.query(w, r)
	if !ok {
		return
	}
	entries, err := s.deps.Research.GetLog(r.Context(), q)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if entries == nil {
		entries = []types.ProgressLogEntry{}
	}
	s.jsonResponse(w, http.StatusOK, entries)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	q, ok := s.query(w, r)
	if !ok {
		return
	}
	var f storage.ResearchFilter
	for name, dst := range map[string]**float64{"min_price": &f.MinPrice, "max_price": &f.MaxPrice} {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid "+name)
			return
		}
		// A zero bound does not filter.
		if v > 0 {
			*dst = &v
		}
	}

	records, err := s.deps.Research.SearchResults(r.Context(), q, f)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if records == nil {
		records = []*types.ResearchRecord{}
	}
	s.jsonResponse(w, http.StatusOK, records)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.deps.Jobs.Get(chi.URLParam(r, "id"))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "job not found")
		return
	}
	s.jsonResponse(w, http.StatusOK, job)
}

func (s *Server) handleUpdatePrices(w http.ResponseWriter, r *http.Request) {
	id, ok := s.productID(w, r)
	if !ok {
		return
	}
	allOK, err := s.deps.Prices.UpdatePrices(r.Context(), id)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	summary, err := s.deps.Prices.Summarize(r.Context(), id)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"successful": allOK,
		"summary":    summary,
	})
}

func (s *Server) handlePriceCache(w http.ResponseWriter, r *http.Request) {
	id, ok := s.productID(w, r)
	if !ok {
		return
	}
	summary, err := s.deps.Prices.Summarize(r.Context(), id)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, summary)
}

func (s *Server) handleInitialPrice(w http.ResponseWriter, r *http.Request) {
	id, ok := s.productID(w, r)
	if !ok {
		return
	}
	var body struct {
		URLID int64   `json:"url_id"`
		Price float64 `json:"price"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&body); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.Price <= 0 {
		s.errorResponse(w, http.StatusBadRequest, "price must be positive")
		return
	}
	p, err := s.deps.Prices.SetInitialPrice(r.Context(), id, body.URLID, body.Price)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, p)
}

func (s *Server) handleValidateStore(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "unreadable body")
		return
	}
	msgs := stores.Validate(raw)
	if msgs == nil {
		msgs = []string{}
	}
	status := http.StatusOK
	if len(msgs) > 0 {
		status = http.StatusUnprocessableEntity
	}
	s.jsonResponse(w, status, map[string]any{
		"valid":    len(msgs) == 0,
		"messages": msgs,
	})
}

func (s *Server) query(w http.ResponseWriter, r *http.Request) (string, bool) {
	q := r.URL.Query().Get("q")
	if q == "" {
		s.errorResponse(w, http.StatusBadRequest, "q is required")
		return "", false
	}
	return q, true
}

func (s *Server) productID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.errorResponse(w, http.StatusBadRequest, "invalid product id")
		return 0, false
	}
	return id, true
}

// serverError maps err to a status: missing records are 404, anything
// else is logged and reported as 500.
func (s *Server) serverError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, types.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "not found")
		return
	}
	s.logger.Error("request failed",
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
	s.errorResponse(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, msg string) {
	s.jsonResponse(w, status, map[string]string{"error": msg})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Debug("response write failed", zap.Error(err))
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
