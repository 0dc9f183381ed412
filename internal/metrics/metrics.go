package metrics

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modfin/utskick"
	"github.com/modfin/utskick/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/sirupsen/logrus"
)

type Config struct {
	ServiceName  string        `cli:"service-name"`
	Push         string        `cli:"metrics-push-url"`
	PushInterval time.Duration `cli:"metrics-push-interval"`
	Poll         bool          `cli:"metrics-poll"`
	PollUser     string        `cli:"metrics-poll-basic-auth-user"`
	PollPassword string        `cli:"metrics-poll-basic-auth-pass"`
}

func New(c Config, lc *tools.Logger) *Metrics {
	if c.ServiceName == "" {
		c.ServiceName = "utskick"
	}
	p := &Metrics{
		config:   c,
		logger:   lc.New("prometheus"),
		registry: prometheus.NewRegistry(),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	if c.Push != "" {
		p.pusher = push.New(c.Push, c.ServiceName).Gatherer(p.registry)
	}

	p.transitions = p.Register().NewCounterVec(prometheus.CounterOpts{
		Name: "utskick_status_transitions_total",
		Help: "Number of email status transitions, by the status moved to.",
	}, []string{"status"})
	p.emails = p.Register().NewGaugeVec(prometheus.GaugeOpts{
		Name: "utskick_emails",
		Help: "Number of emails currently in each status.",
	}, []string{"status"})
	p.responseRate = p.Register().NewGauge(prometheus.GaugeOpts{
		Name: "utskick_response_rate_percent",
		Help: "Share of all emails that have been sent.",
	})

	p.requests = p.Register().NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests",
		Help: "Number of HTTP requests.",
	}, []string{"method", "path", "status_code"})
	p.requestsTotal = p.Register().NewCounter(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests.",
	})
	p.requestDuration = p.Register().NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	}, []string{"method", "path", "status_code"})

	return p
}

type Metrics struct {
	done    chan struct{}
	stopped chan struct{}

	config   Config
	registry *prometheus.Registry
	pusher   *push.Pusher
	logger   *logrus.Logger

	transitions  *prometheus.CounterVec
	emails       *prometheus.GaugeVec
	responseRate prometheus.Gauge

	requests        *prometheus.CounterVec
	requestsTotal   prometheus.Counter
	requestDuration *prometheus.HistogramVec

	once    sync.Once
	started bool
}

func (p *Metrics) Start() {
	p.once.Do(func() {
		if p.config.PushInterval.Seconds() < 10 {
			p.config.PushInterval = 1 * time.Minute
		}
		if p.pusher == nil {
			return
		}
		p.started = true
		p.logger.Infof("pushing metrics to %s every %s", p.config.Push, p.config.PushInterval)
		go func() {
			defer close(p.stopped)

			ticker := time.NewTicker(p.config.PushInterval)
			defer ticker.Stop()
			for {
				select {
				case <-p.done:
					p.push()
					return
				case <-ticker.C:
					p.push()
				}
			}
		}()
	})
}

func (p *Metrics) Stop(ctx context.Context) error {
	p.once.Do(func() {}) // a later Start is a no-op
	if !p.started {
		return nil
	}
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	select {
	case <-p.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *Metrics) Register() promauto.Factory {
	return promauto.With(p.registry)
}

func (p *Metrics) Gatherer() prometheus.Gatherer {
	return p.registry
}

// ObserveEvent counts a status transition. It is meant to be subscribed to the engine.
func (p *Metrics) ObserveEvent(ev utskick.StatusEvent) {
	p.transitions.WithLabelValues(ev.Status.String()).Inc()
}

// ObserveAnalytics sets the per status gauges from an aggregate
func (p *Metrics) ObserveAnalytics(a utskick.Analytics) {
	p.emails.WithLabelValues(utskick.StatusPending.String()).Set(float64(a.Pending))
	p.emails.WithLabelValues(utskick.StatusScheduled.String()).Set(float64(a.Scheduled))
	p.emails.WithLabelValues(utskick.StatusSent.String()).Set(float64(a.Sent))
	p.emails.WithLabelValues(utskick.StatusFailed.String()).Set(float64(a.Failed))
	p.responseRate.Set(a.ResponseRate)
}

func (p *Metrics) HttpMetrics() http.HandlerFunc {

	if !p.config.Poll {
		p.logger.Infof("metrics polling is disabled")
		return func(writer http.ResponseWriter, request *http.Request) {
			http.Error(writer, "Not Found", http.StatusNotFound)
		}
	}
	p.logger.Infof("metrics polling is enabled")

	if p.config.PollUser != "" || p.config.PollPassword != "" {
		p.logger.WithField("user", p.config.PollUser).Infof("basic auth enabled for metrics polling endpoint")
	}

	handler := promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
	return func(writer http.ResponseWriter, request *http.Request) {
		if p.config.PollUser != "" || p.config.PollPassword != "" {
			user, pass, ok := request.BasicAuth()
			if !ok || user != p.config.PollUser || subtle.ConstantTimeCompare([]byte(pass), []byte(p.config.PollPassword)) != 1 {
				http.Error(writer, "Unauthorized.", http.StatusUnauthorized)
				return
			}
		}
		handler.ServeHTTP(writer, request)
	}
}

func (p *Metrics) push() {
	if p.pusher == nil {
		return
	}
	p.logger.Debugf("pushing metrics to %s", p.config.Push)
	err := p.pusher.Push()
	if err != nil {
		p.logger.Errorf("failed to push metrics: %v", err)
	}
}

func (p *Metrics) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			startTime := time.Now()

			wrappedResponseWriter := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrappedResponseWriter, r)

			statusCode := strconv.Itoa(wrappedResponseWriter.statusCode)
			duration := time.Since(startTime).Seconds()
			path := routePattern(r)

			p.requestsTotal.Inc()
			p.requests.WithLabelValues(r.Method, path, statusCode).Inc()
			if statusCode != "404" {
				p.requestDuration.WithLabelValues(r.Method, path, statusCode).Observe(duration)
			}
		})
	}
}

// routePattern keeps ids out of the path label
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	if pattern := rctx.RoutePattern(); pattern != "" {
		return pattern
	}
	return r.URL.Path
}

// responseWriterWrapper wraps the http.ResponseWriter to capture the status code.
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code.
func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
