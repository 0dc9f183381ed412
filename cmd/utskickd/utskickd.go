package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/modfin/utskick/internal/analytics"
	"github.com/modfin/utskick/internal/clix"
	"github.com/modfin/utskick/internal/config"
	"github.com/modfin/utskick/internal/engine"
	"github.com/modfin/utskick/internal/metrics"
	"github.com/modfin/utskick/internal/transport"
	"github.com/modfin/utskick/internal/web"
	"github.com/modfin/utskick/tools"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

type Config struct {
	Engine  engine.Config
	Web     web.Config
	Metrics metrics.Config

	SendLatency time.Duration `cli:"send-latency"`
	FailureRate float64       `cli:"failure-rate"`
	FailureSeed int64         `cli:"failure-seed"`
	LogLevel    string        `cli:"log-level"`
	LogJSON     bool          `cli:"log-json"`
}

func main() {
	cfg := config.Get()

	app := &cli.App{
		Name:   "utskickd",
		Usage:  "a service for scheduling email campaigns",
		Flags:  flags(cfg),
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "start the http api and the dispatch engine",
				Flags:  flags(cfg),
				Action: serve,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// flags defaults to the UTSKICK_* environment
func flags(cfg *config.Config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "log-level", Value: cfg.LogLevel},
		&cli.BoolFlag{Name: "log-json", Value: cfg.LogJSON},

		&cli.IntFlag{Name: "workers", Value: cfg.Workers, Usage: "max number of concurrent sends, 0 means 100 per cpu"},
		&cli.IntFlag{Name: "queue-size", Value: cfg.QueueSize},
		&cli.DurationFlag{Name: "send-latency", Value: cfg.SendLatency, Usage: "simulated time it takes to send one email"},
		&cli.DurationFlag{Name: "delivery-delay", Value: cfg.DeliveryDelay, Usage: "time from sent until an email is marked as delivered"},
		&cli.Float64Flag{Name: "failure-rate", Value: cfg.FailureRate, Usage: "share of sends that fail, 0-1"},
		&cli.Int64Flag{Name: "failure-seed", Value: cfg.FailureSeed},

		&cli.StringFlag{Name: "http-interface", Value: cfg.APIInterface},
		&cli.IntFlag{Name: "http-port", Value: cfg.APIPort},
		&cli.DurationFlag{Name: "idempotency-ttl", Value: cfg.IdempotencyTTL},

		&cli.StringFlag{Name: "service-name", Value: cfg.ServiceName},
		&cli.BoolFlag{Name: "metrics-poll", Value: cfg.MetricsPoll},
		&cli.StringFlag{Name: "metrics-poll-basic-auth-user", Value: cfg.MetricsPollUser},
		&cli.StringFlag{Name: "metrics-poll-basic-auth-pass", Value: cfg.MetricsPollPassword},
		&cli.StringFlag{Name: "metrics-push-url", Value: cfg.MetricsPushURL},
		&cli.DurationFlag{Name: "metrics-push-interval", Value: cfg.MetricsPushInterval},
	}
}

func serve(c *cli.Context) error {
	cfg := clix.Parse[Config](c)

	logger, err := tools.NewLogger(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return err
	}
	lc := tools.LoggerCloner(logger)
	l := lc.New("utskickd")

	var stopServer func()
	c.Context, stopServer = context.WithCancel(c.Context)
	defer stopServer()

	l.Infof("Starting server")

	var services []Stoppable

	tr := transport.NewSimulated(nil, cfg.SendLatency,
		transport.WithFault(transport.FailRate(cfg.FailureRate, cfg.FailureSeed)),
		transport.WithLogger(lc.New("transport")),
	)
	eng := engine.New(cfg.Engine, lc, tr, nil)
	services = append(services, eng)

	m := metrics.New(cfg.Metrics, lc)
	eng.Subscribe(m.ObserveEvent)
	m.Start()
	services = append(services, m)

	tracker := analytics.NewTracker(eng, lc, analytics.WithListener(m.ObserveAnalytics))
	defer tracker.Stop()

	srv := web.New(c.Context, cfg.Web, lc, eng, tracker, m)
	err = srv.Start()
	if err != nil {
		return err
	}
	services = append(services, srv)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	sig := <-sigc
	l.Infof("Got signal: %s, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(c.Context, 30*time.Second)
	defer cancel()

	wg := &sync.WaitGroup{}
	for _, service := range services {
		wg.Add(1)
		go func(service Stoppable) {
			defer wg.Done()
			err := service.Stop(shutdownCtx)
			if err != nil {
				l.WithError(err).Error("Failed to stop service")
			}
		}(service)
	}

	go func() {
		<-shutdownCtx.Done()
		if shutdownCtx.Err() == context.DeadlineExceeded {
			l.WithError(shutdownCtx.Err()).Warn("Shutdown was forced, terminating now")
			os.Exit(1)
		}
	}()

	wg.Wait()
	l.Infof("Shutdown complete, terminating now")
	return nil
}

type Stoppable interface {
	Stop(ctx context.Context) error
}
