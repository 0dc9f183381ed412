package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/modfin/utskick"
	"github.com/modfin/utskick/internal/analytics"
	"github.com/modfin/utskick/internal/clix"
	"github.com/modfin/utskick/internal/engine"
	"github.com/modfin/utskick/internal/ingest"
	"github.com/modfin/utskick/internal/transport"
	"github.com/modfin/utskick/tools"
	"github.com/urfave/cli/v2"
)

type sendConfig struct {
	Engine engine.Config

	CSV       string        `cli:"csv"`
	Policy    string        `cli:"policy"`
	At        *time.Time    `cli:"at"`
	BatchSize int           `cli:"batch-size"`
	Interval  time.Duration `cli:"interval"`

	Latency  time.Duration `cli:"latency"`
	FailRate float64       `cli:"fail-rate"`
	Seed     int64         `cli:"seed"`
	Verbose  bool          `cli:"verbose"`

	Server         string `cli:"server"`
	IdempotencyKey string `cli:"idempotency-key"`
}

func (c sendConfig) policy() (utskick.Policy, error) {
	return utskick.PolicySpec{
		Type:            c.Policy,
		Time:            c.At,
		Size:            c.BatchSize,
		IntervalMinutes: c.Interval.Minutes(),
	}.Policy()
}

var serverFlag = &cli.StringFlag{
	Name:    "server",
	Usage:   "url of a utskickd, eg http://localhost:8080",
	EnvVars: []string{"UTSKICK_SERVER"},
}

func main() {
	app := &cli.App{
		Name:  "utskick",
		Usage: "a cli that schedules email campaigns, in process or on a utskickd",

		Commands: []*cli.Command{
			{
				Name:   "send",
				Usage:  "schedule one email per row of a csv file",
				Action: send,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "csv", Usage: "path to a csv file with a header row, containing the columns 'companyName' and 'email'", Required: true},
					&cli.StringFlag{Name: "policy", Value: "immediate", Usage: "immediate, at or batched"},
					&cli.TimestampFlag{Name: "at", Layout: time.RFC3339, Usage: "send time for the 'at' policy, eg 2024-05-01T10:00:00Z"},
					&cli.IntFlag{Name: "batch-size", Value: 50, Usage: "emails per batch for the 'batched' policy"},
					&cli.DurationFlag{Name: "interval", Value: 60 * time.Minute, Usage: "time between batches for the 'batched' policy"},
					&cli.DurationFlag{Name: "latency", Value: 1500 * time.Millisecond, Usage: "simulated time it takes to send one email"},
					&cli.DurationFlag{Name: "delivery-delay", Value: 3 * time.Second},
					&cli.IntFlag{Name: "workers"},
					&cli.Float64Flag{Name: "fail-rate", Usage: "share of sends that fail, 0-1"},
					&cli.Int64Flag{Name: "seed", Value: 1},
					&cli.BoolFlag{Name: "verbose"},
					&cli.StringFlag{Name: "idempotency-key"},
					serverFlag,
				},
			},
			{
				Name:   "list",
				Usage:  "list the emails of a utskickd",
				Action: list,
				Flags: []cli.Flag{
					serverFlag,
					&cli.StringSliceFlag{Name: "status", Usage: "only emails with this status"},
				},
			},
			{
				Name:      "cancel",
				Usage:     "pull scheduled emails back to pending",
				ArgsUsage: "<email id>...",
				Action:    cancelSchedule,
				Flags:     []cli.Flag{serverFlag},
			},
			{
				Name:   "analytics",
				Usage:  "show campaign analytics of a utskickd",
				Action: stats,
				Flags:  []cli.Flag{serverFlag},
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "got err", err)
		os.Exit(1)
	}
}

func send(c *cli.Context) error {
	cfg := clix.Parse[sendConfig](c)

	policy, err := cfg.policy()
	if err != nil {
		return err
	}
	if cfg.FailRate < 0 || cfg.FailRate > 1 {
		return fmt.Errorf("fail-rate must be within 0 and 1, got %v", cfg.FailRate)
	}

	ds, err := ingest.ReadCSVFile(cfg.CSV)
	if err != nil {
		return err
	}
	fmt.Printf("Read %d rows from %s, scheduling %s\n", len(ds.Rows), cfg.CSV, policy)

	if cfg.Server != "" {
		client := utskick.NewClient(cfg.Server)
		client.IdempotencyKey = cfg.IdempotencyKey
		res, err := client.Schedule(c.Context, ds.Rows, policy)
		if err != nil {
			return err
		}
		return printJSON(res)
	}

	return sendLocal(c.Context, cfg, ds.Rows, policy)
}

// sendLocal runs an engine in process and blocks until every email is sent or failed
func sendLocal(ctx context.Context, cfg sendConfig, rows []utskick.Row, policy utskick.Policy) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := tools.DiscardLogger()
	if cfg.Verbose {
		var err error
		root, err = tools.NewLogger("debug", false)
		if err != nil {
			return err
		}
	}
	lc := tools.LoggerCloner(root)

	tr := transport.NewSimulated(nil, cfg.Latency, transport.WithFault(transport.FailRate(cfg.FailRate, cfg.Seed)))
	eng := engine.New(cfg.Engine, lc, tr, nil)
	tracker := analytics.NewTracker(eng, lc)
	defer tracker.Stop()

	done := make(chan struct{})
	var terminal atomic.Int64
	total := int64(len(rows))
	eng.Subscribe(func(ev utskick.StatusEvent) {
		fmt.Printf("%s  %s  %s\n", ev.At.Format(time.RFC3339), ev.ID, ev.Status)
		if ev.Status.Terminal() && terminal.Add(1) == total {
			close(done)
		}
	})

	emails := eng.Schedule(rows, policy)
	if len(emails) == 0 {
		close(done)
	}

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.New("interrupted, emails that were not sent are dropped")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := eng.Stop(stopCtx); serr != nil && err == nil {
		err = serr
	}

	a := tracker.Refresh()
	fmt.Printf("Total %d, sent %d, failed %d, pending %d, scheduled %d, response rate %.1f%%\n",
		a.Total, a.Sent, a.Failed, a.Pending, a.Scheduled, a.ResponseRate)
	return err
}

func remote(c *cli.Context) (*utskick.Client, error) {
	server := c.String("server")
	if server == "" {
		return nil, errors.New("--server or UTSKICK_SERVER must be set")
	}
	return utskick.NewClient(server), nil
}

func list(c *cli.Context) error {
	client, err := remote(c)
	if err != nil {
		return err
	}
	var statuses []utskick.Status
	for _, s := range c.StringSlice("status") {
		statuses = append(statuses, utskick.Status(s))
	}
	emails, err := client.Emails(c.Context, statuses...)
	if err != nil {
		return err
	}
	for _, e := range emails {
		fmt.Printf("%s  %-10s %-10s %s <%s>\n", e.ID, e.Status, e.DeliveryStatus, e.CompanyName, e.Address)
	}
	return nil
}

func cancelSchedule(c *cli.Context) error {
	client, err := remote(c)
	if err != nil {
		return err
	}
	if c.NArg() == 0 {
		return errors.New("at least one email id is required")
	}
	for _, id := range c.Args().Slice() {
		ok, err := client.Cancel(c.Context, id)
		if err != nil {
			return err
		}
		if ok {
			fmt.Println("cancelled", id)
			continue
		}
		fmt.Println("nothing to cancel for", id)
	}
	return nil
}

func stats(c *cli.Context) error {
	client, err := remote(c)
	if err != nil {
		return err
	}
	a, err := client.Analytics(c.Context)
	if err != nil {
		return err
	}
	return printJSON(a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
