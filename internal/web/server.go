package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ssuji15/ciwatch/internal/aggregator"
	"github.com/ssuji15/ciwatch/internal/cache"
	"github.com/ssuji15/ciwatch/internal/classifier"
	"github.com/ssuji15/ciwatch/internal/dataset"
	"github.com/ssuji15/ciwatch/internal/queue"
	"github.com/ssuji15/ciwatch/internal/queuestatus"
	"github.com/ssuji15/ciwatch/internal/service/logger"
	"github.com/ssuji15/ciwatch/internal/snapshot"
	"github.com/ssuji15/ciwatch/internal/tracer"
	"github.com/ssuji15/ciwatch/internal/util"
	limiter "github.com/ssuji15/ciwatch/internal/web/middleware"
	"github.com/ssuji15/ciwatch/model"
)

const (
	defaultSnapshotHours = 24
	maxSnapshotHours     = 24 * 90
)

type Deps struct {
	Store     dataset.Store
	Rules     classifier.Rules
	Snapshots *snapshot.Log
	// Live is optional; /api/queue answers 503 without it.
	Live      queuestatus.Source
	Repo      string
	LiveOpts  queuestatus.Options
	Aggregate func(now time.Time) aggregator.Options
	// Cache and Queue are optional.
	Cache cache.Cache
	Queue queue.Queue

	MaxInflight    int
	MaxQueue       int
	RequestTimeout time.Duration
	Now            func() time.Time
}

type Server struct {
	router  chi.Router
	deps    Deps
	limiter *limiter.Limiter
	latest  atomic.Pointer[model.Snapshot]
}

func NewServer(ctx context.Context, deps Deps) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("web: dataset store is required")
	}
	if deps.Snapshots == nil {
		return nil, errors.New("web: snapshot log is required")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Aggregate == nil {
		deps.Aggregate = aggregator.DefaultOptions
	}
	if deps.RequestTimeout == 0 {
		deps.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		router:  chi.NewRouter(),
		deps:    deps,
		limiter: limiter.NewLimiter(deps.MaxQueue, deps.MaxInflight),
	}

	if deps.Queue != nil {
		err := deps.Queue.SubscribeSnapshots(ctx, func(snap model.Snapshot) error {
			s.latest.Store(&snap)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	s.routes()
	return s, nil
}

// Router is the instrumented handler for http.Server.
func (s *Server) Router() http.Handler {
	return otelhttp.NewHandler(s.router, "ciwatch-api")
}

func (s *Server) Close() {
	s.limiter.Close()
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(s.deps.RequestTimeout))
		r.Use(s.limiter.Limit)

		r.Get("/daily", s.handleDaily)
		r.Get("/capacity", s.handleCapacity)
		r.Get("/snapshots", s.handleSnapshots)
		r.Get("/snapshots/latest", s.handleLatestSnapshot)
		r.Get("/queue", s.handleQueue)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		log := logger.Log.With().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Logger()

		next.ServeHTTP(ww, r.WithContext(logger.WithContext(r.Context(), log)))

		log.Debug().
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request served")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Debug().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// report aggregates the stored dataset, served from the cache when one is set.
// Entries are keyed by UTC day so a report never spans a day rollover.
func (s *Server) report(ctx context.Context) (aggregator.Report, error) {
	ctx, span := tracer.GetTracer().Start(ctx, "Web/Report")
	defer span.End()

	now := s.deps.Now()
	key := "report:" + util.DayKey(now)

	var rep aggregator.Report
	if s.deps.Cache != nil {
		err := s.deps.Cache.Get(ctx, key, &rep)
		if err == nil {
			return rep, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			logger.FromContext(ctx).Debug().Err(err).Str("key", key).Msg("report cache read failed")
		}
	}

	d, err := s.deps.Store.Load(ctx)
	if err != nil {
		util.RecordSpanError(span, err)
		return aggregator.Report{}, err
	}
	rep = aggregator.Aggregate(d.Jobs(), s.deps.Rules, s.deps.Aggregate(now))

	if s.deps.Cache != nil {
		if err := s.deps.Cache.Put(ctx, key, rep, s.deps.Cache.GetDefaultTTL()); err != nil {
			logger.FromContext(ctx).Debug().Err(err).Str("key", key).Msg("report cache write failed")
		}
	}
	return rep, nil
}

func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	rep, err := s.report(r.Context())
	if err != nil {
		logger.FromContext(r.Context()).Error().Err(err).Msg("failed to build daily report")
		writeError(w, http.StatusInternalServerError, "failed to load dataset")
		return
	}
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		if n < len(rep.Days) {
			rep.Days = rep.Days[len(rep.Days)-n:]
		}
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	rep, err := s.report(r.Context())
	if err != nil {
		logger.FromContext(r.Context()).Error().Err(err).Msg("failed to build capacity report")
		writeError(w, http.StatusInternalServerError, "failed to load dataset")
		return
	}
	writeJSON(w, http.StatusOK, rep.Capacity)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	hours := defaultSnapshotHours
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxSnapshotHours {
			writeError(w, http.StatusBadRequest, "hours must be between 1 and "+strconv.Itoa(maxSnapshotHours))
			return
		}
		hours = n
	}

	snaps, err := s.deps.Snapshots.Tail(hours, s.deps.Now())
	if err != nil {
		logger.FromContext(r.Context()).Error().Err(err).Msg("failed to read snapshot log")
		writeError(w, http.StatusInternalServerError, "failed to read snapshots")
		return
	}
	if r.URL.Query().Get("raw") != "true" {
		snaps = snapshot.Dedupe(snaps, snapshot.DisplayInterval)
	}
	if snaps == nil {
		snaps = []model.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// handleLatestSnapshot prefers the last snapshot seen on the queue and falls
// back to the newest line of the log.
func (s *Server) handleLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	if snap := s.latest.Load(); snap != nil {
		writeJSON(w, http.StatusOK, snap)
		return
	}
	snaps, err := s.deps.Snapshots.Tail(defaultSnapshotHours, s.deps.Now())
	if err != nil {
		logger.FromContext(r.Context()).Error().Err(err).Msg("failed to read snapshot log")
		writeError(w, http.StatusInternalServerError, "failed to read snapshots")
		return
	}
	if len(snaps) == 0 {
		writeError(w, http.StatusNotFound, "no snapshot recorded")
		return
	}
	writeJSON(w, http.StatusOK, snaps[len(snaps)-1])
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if s.deps.Live == nil {
		writeError(w, http.StatusServiceUnavailable, "live queue view is not configured")
		return
	}
	ctx := r.Context()
	now := s.deps.Now()

	live := queuestatus.Fetch(ctx, s.deps.Live, s.deps.LiveOpts)
	status := queuestatus.Build(live, s.deps.Rules, s.deps.Repo, now, s.deps.LiveOpts.TopWaiting)
	status.RecentFailures = queuestatus.RecentFailures(ctx, s.deps.Live, s.deps.LiveOpts, now)
	writeJSON(w, http.StatusOK, status)
}
