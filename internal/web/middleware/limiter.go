package middleware

import (
	"net/http"
	"sync"

	"github.com/ssuji15/ciwatch/internal/service/logger"
	"github.com/ssuji15/ciwatch/internal/tracer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type pending struct {
	w    http.ResponseWriter
	r    *http.Request
	next http.Handler
	done chan struct{}
}

// Limiter queues up to queueSize requests and serves at most maxInflight of
// them concurrently. Requests beyond the queue are rejected with 503.
type Limiter struct {
	queue    chan pending
	inflight chan struct{}
	rejected metric.Int64Counter
	stop     sync.Once
}

func NewLimiter(queueSize, maxInflight int) *Limiter {
	if maxInflight <= 0 {
		maxInflight = 1
	}
	l := &Limiter{
		queue:    make(chan pending, queueSize),
		inflight: make(chan struct{}, maxInflight),
		rejected: tracer.Counter("ciwatch.http.rejected", "requests rejected by the limiter"),
	}

	go l.dispatch()

	return l
}

func (l *Limiter) dispatch() {
	for p := range l.queue {
		l.inflight <- struct{}{}

		go func(p pending) {
			defer func() {
				<-l.inflight
				close(p.done)
			}()

			p.next.ServeHTTP(p.w, p.r)
		}(p)
	}
}

// Close stops the dispatcher. Limit must not be called afterwards.
func (l *Limiter) Close() {
	l.stop.Do(func() { close(l.queue) })
}

func (l *Limiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := pending{
			w:    w,
			r:    r,
			next: next,
			done: make(chan struct{}),
		}

		select {
		case l.queue <- p:
			select {
			case <-p.done:
			case <-r.Context().Done():
				// the handler owns w until done is closed
				logger.Log.Warn().Str("path", r.URL.Path).Msg("request canceled while queued")
				<-p.done
			}
		default:
			l.rejected.Add(r.Context(), 1, metric.WithAttributes(attribute.String("path", r.URL.Path)))
			logger.Log.Warn().Str("path", r.URL.Path).Msg("server busy, request rejected")
			http.Error(w, "server busy", http.StatusServiceUnavailable)
		}
	})
}
