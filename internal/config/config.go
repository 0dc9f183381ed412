package config

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/caarlos0/env/v6"
)

type Config struct {
	LogLevel string `env:"UTSKICK_LOG_LEVEL" envDefault:"info"`
	LogJSON  bool   `env:"UTSKICK_LOG_JSON" envDefault:"false"`

	Workers       int           `env:"UTSKICK_WORKERS"`                         // max concurrent sends, 0 means 100 per cpu
	QueueSize     int           `env:"UTSKICK_QUEUE_SIZE" envDefault:"100000"`  // sends waiting for a worker
	SendLatency   time.Duration `env:"UTSKICK_SEND_LATENCY" envDefault:"1500ms"` // simulated time to hand over one email
	DeliveryDelay time.Duration `env:"UTSKICK_DELIVERY_DELAY" envDefault:"3s"`   // time from sent to delivered
	FailureRate   float64       `env:"UTSKICK_FAILURE_RATE" envDefault:"0"`      // share of sends that fail, 0-1
	FailureSeed   int64         `env:"UTSKICK_FAILURE_SEED" envDefault:"1"`

	APIInterface   string        `env:"UTSKICK_API_INTERFACE" envDefault:""`
	APIPort        int           `env:"UTSKICK_API_PORT" envDefault:"8080"`
	IdempotencyTTL time.Duration `env:"UTSKICK_IDEMPOTENCY_TTL" envDefault:"10m"`

	ServiceName         string        `env:"UTSKICK_SERVICE_NAME" envDefault:"utskick"`
	MetricsPoll         bool          `env:"UTSKICK_METRICS_POLL" envDefault:"true"`
	MetricsPollUser     string        `env:"UTSKICK_METRICS_POLL_USER"`
	MetricsPollPassword string        `env:"UTSKICK_METRICS_POLL_PASSWORD"`
	MetricsPushURL      string        `env:"UTSKICK_METRICS_PUSH_URL"`
	MetricsPushInterval time.Duration `env:"UTSKICK_METRICS_PUSH_INTERVAL" envDefault:"1m"`
}

var (
	once sync.Once
	cfg  Config
)

func Get() *Config {
	once.Do(func() {
		c, err := Parse()
		if err != nil {
			log.Panic("Couldn't parse Config from env: ", err)
		}
		cfg = c
	})
	return &cfg
}

// Parse reads a fresh Config from the environment
func Parse() (Config, error) {
	c := Config{}
	if err := env.Parse(&c); err != nil {
		return Config{}, err
	}
	if c.FailureRate < 0 || c.FailureRate > 1 {
		return Config{}, fmt.Errorf("UTSKICK_FAILURE_RATE must be within 0 and 1, got %v", c.FailureRate)
	}
	return c, nil
}
