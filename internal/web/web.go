package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jellydator/ttlcache/v3"
	"github.com/modfin/henry/compare"
	"github.com/modfin/utskick"
	"github.com/modfin/utskick/internal/metrics"
	"github.com/modfin/utskick/internal/spool"
	"github.com/modfin/utskick/tools"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Interface      string        `cli:"http-interface"`
	Port           int           `cli:"http-port"`
	IdempotencyTTL time.Duration `cli:"idempotency-ttl"`
}

const defaultIdempotencyTTL = 10 * time.Minute

// Scheduler is the part of the engine exposed over http
type Scheduler interface {
	Schedule(rows []utskick.Row, policy utskick.Policy) []utskick.Email
	Cancel(id string) bool
	Emails() []utskick.Email
	Email(id string) (utskick.Email, error)
	Log(id string) ([]spool.LogEntry, error)
}

type AnalyticsSource interface {
	Latest() utskick.Analytics
}

// New creates the server. m may be nil, in which case no metrics are exposed.
func New(ctx context.Context, cfg Config, lc *tools.Logger, scheduler Scheduler, analytics AnalyticsSource, m *metrics.Metrics) *Server {
	cfg.Port = compare.Coalesce(cfg.Port, 8080)
	cfg.IdempotencyTTL = compare.Coalesce(cfg.IdempotencyTTL, defaultIdempotencyTTL)

	s := &Server{
		ctx:       ctx,
		config:    cfg,
		log:       lc.New("web"),
		scheduler: scheduler,
		analytics: analytics,
		metrics:   m,
		campaigns: ttlcache.New[string, utskick.CampaignResponse](
			ttlcache.WithTTL[string, utskick.CampaignResponse](cfg.IdempotencyTTL),
		),
	}
	go s.campaigns.Start()
	return s
}

type Server struct {
	config Config
	log    *logrus.Logger
	ctx    context.Context
	srv    *http.Server
	addr   net.Addr

	scheduler Scheduler
	analytics AnalyticsSource
	metrics   *metrics.Metrics

	// campaigns holds the response of every POST /campaigns made with an Idempotency-Key
	campaigns  *ttlcache.Cache[string, utskick.CampaignResponse]
	campaignMu sync.Mutex

	ostop sync.Once
}

// Handler returns the routes of the api
func (s *Server) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: s.log, NoColor: true}))
	mux.Use(middleware.Heartbeat("/ping"))
	if s.metrics != nil {
		mux.Use(s.metrics.Middleware())
		mux.Get("/metrics", s.metrics.HttpMetrics())
	}

	mux.Post("/campaigns", postCampaign(s))
	mux.Route("/emails", func(r chi.Router) {
		r.Get("/", listEmails(s))
		r.Get("/{id}", getEmail(s))
		r.Get("/{id}/log", getEmailLog(s))
		r.Delete("/{id}/schedule", cancelSchedule(s))
	})
	mux.Get("/analytics", getAnalytics(s))

	return mux
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	l, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.config.Interface, s.config.Port))
	if err != nil {
		return fmt.Errorf("could not listen on %s:%d: %w", s.config.Interface, s.config.Port, err)
	}
	s.addr = l.Addr()
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return s.ctx
		},
	}

	go func() {
		s.log.Infof("Starting webserver on %s", l.Addr())
		err := s.srv.Serve(l)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("webserver stopped")
		}
	}()
	return nil
}

// Addr is the address listened on, once started
func (s *Server) Addr() net.Addr {
	return s.addr
}

func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.ostop.Do(func() {
		s.campaigns.Stop()
		if s.srv != nil {
			err = s.srv.Shutdown(ctx)
		}
	})
	return err
}
