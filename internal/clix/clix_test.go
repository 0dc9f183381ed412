package clix

import (
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

type inner struct {
	Workers int           `cli:"workers"`
	Delay   time.Duration `cli:"delay"`
}

type outer struct {
	Inner   inner
	Name    string     `cli:"name"`
	Rate    float64    `cli:"rate"`
	Verbose bool       `cli:"verbose"`
	Tags    []string   `cli:"tag"`
	At      time.Time  `cli:"at"`
	Until   *time.Time `cli:"until"`
	Ignored string
	hidden  int `cli:"workers"`
}

func run(t *testing.T, args ...string) outer {
	t.Helper()
	var got outer
	app := &cli.App{
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "workers", Value: 5},
			&cli.DurationFlag{Name: "delay"},
			&cli.StringFlag{Name: "name"},
			&cli.Float64Flag{Name: "rate"},
			&cli.BoolFlag{Name: "verbose"},
			&cli.StringSliceFlag{Name: "tag"},
			&cli.TimestampFlag{Name: "at", Layout: time.RFC3339},
			&cli.TimestampFlag{Name: "until", Layout: time.RFC3339},
		},
		Action: func(c *cli.Context) error {
			got = Parse[outer](c)
			return nil
		},
	}
	require.NoError(t, app.Run(append([]string{"test"}, args...)))
	return got
}

func TestParse(t *testing.T) {
	got := run(t,
		"--workers", "3",
		"--delay", "2s",
		"--name", "campaign",
		"--rate", "0.5",
		"--verbose",
		"--tag", "a", "--tag", "b",
		"--at", "2024-05-01T10:00:00Z",
	)

	want := outer{
		Inner:   inner{Workers: 3, Delay: 2 * time.Second},
		Name:    "campaign",
		Rate:    0.5,
		Verbose: true,
		Tags:    []string{"a", "b"},
		At:      time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	if diff := deep.Equal(got, want); diff != nil {
		t.Error(diff)
	}
}

func TestParse_Defaults(t *testing.T) {
	got := run(t)
	require.Equal(t, 5, got.Inner.Workers)
	require.Nil(t, got.Until)
	require.True(t, got.At.IsZero())
	require.Equal(t, 0, got.hidden)
}
