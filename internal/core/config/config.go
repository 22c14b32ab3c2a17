package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SohamPatel46/performance/internal/aggregate"
)

// Aggregation holds the settings that shape URL Metric collections. They can be
// overlaid from CONFIG_FILE and reloaded while running.
type Aggregation struct {
	Breakpoints  []int         `yaml:"breakpoints"`
	SampleSize   int           `yaml:"sample_size"`
	FreshnessTTL time.Duration `yaml:"freshness_ttl"`
	// CurrentETag overrides the computed environment fingerprint when set.
	CurrentETag string `yaml:"current_etag"`
}

type StoreCfg struct {
	Driver     string
	RedisAddr  string
	SQLitePath string
	Retention  time.Duration
	OpTimeout  time.Duration
	LockTTL    time.Duration
	LockSize   int
}

type InvalidationCfg struct {
	Enabled bool
	Topic   string
	Brokers string
	GroupID string
}

type EventsCfg struct {
	Enabled bool
	Brokers string
	Topic   string
	Queue   int
}

type Config struct {
	Addr            string
	LogLevel        string
	LogConsole      bool
	LogSampleN      int
	ConfigFile      string
	MetricsEnabled  bool
	MaxBodyBytes    int64
	ShutdownTimeout time.Duration
	CORSOrigins     string
	Aggregation     Aggregation
	Store           StoreCfg
	Invalidation    InvalidationCfg
	Events          EventsCfg
}

func FromEnv() Config {
	kafkaBrokers := getenv("KAFKA_BROKERS", "localhost:9092")

	return Config{
		Addr:            getenv("ADDR", ":8090"),
		LogLevel:        getenv("LOG_LEVEL", "info"),
		LogConsole:      getbool("LOG_CONSOLE", false),
		LogSampleN:      getint("LOG_SAMPLE_N", 0),
		ConfigFile:      getenv("CONFIG_FILE", ""),
		MetricsEnabled:  getbool("METRICS_ENABLED", true),
		MaxBodyBytes:    int64(getint("MAX_BODY_BYTES", 1<<20)),
		ShutdownTimeout: getduration("SHUTDOWN_TIMEOUT", 10*time.Second),
		CORSOrigins:     getenv("CORS_ORIGINS", "*"),
		Aggregation: Aggregation{
			Breakpoints:  parseIntList(getenv("BREAKPOINTS", "480,600,782")),
			SampleSize:   getint("SAMPLE_SIZE", 3),
			FreshnessTTL: getduration("FRESHNESS_TTL", 168*time.Hour),
			CurrentETag:  getenv("CURRENT_ETAG", ""),
		},
		Store: StoreCfg{
			Driver:     strings.ToLower(getenv("STORE_DRIVER", "redis")),
			RedisAddr:  getenv("REDIS_ADDR", "localhost:6379"),
			SQLitePath: getenv("SQLITE_PATH", "data/url-metrics.db"),
			Retention:  getduration("STORE_RETENTION", 0),
			OpTimeout:  getduration("STORE_OP_TIMEOUT", 500*time.Millisecond),
			LockTTL:    getduration("STORAGE_LOCK_TTL", time.Minute),
			LockSize:   getint("STORAGE_LOCK_SIZE", 10_000),
		},
		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Topic:   getenv("KAFKA_TOPIC", "url-metrics-invalidation"),
			Brokers: kafkaBrokers,
			GroupID: getenv("KAFKA_GROUP_ID", "url-metrics-invalidator"),
		},
		Events: EventsCfg{
			Enabled: getbool("EVENTS_ENABLED", false),
			Brokers: kafkaBrokers,
			Topic:   getenv("EVENTS_TOPIC", "url-metrics-stored"),
			Queue:   getint("EVENTS_QUEUE", 1024),
		},
	}
}

// Validate reports the first setting that would make the service misbehave.
func (c Config) Validate() error {
	if err := c.Aggregation.Validate(); err != nil {
		return err
	}
	switch c.Store.Driver {
	case "redis":
		if c.Store.RedisAddr == "" {
			return errors.New("config: REDIS_ADDR is required for the redis store")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return errors.New("config: SQLITE_PATH is required for the sqlite store")
		}
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.Store.Driver)
	}
	if c.Store.LockTTL < 0 {
		return errors.New("config: STORAGE_LOCK_TTL must not be negative")
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("config: MAX_BODY_BYTES must be positive")
	}
	if c.Invalidation.Enabled && (c.Invalidation.Brokers == "" || c.Invalidation.Topic == "") {
		return errors.New("config: invalidation needs KAFKA_BROKERS and KAFKA_TOPIC")
	}
	if c.Events.Enabled && (c.Events.Brokers == "" || c.Events.Topic == "") {
		return errors.New("config: events need KAFKA_BROKERS and EVENTS_TOPIC")
	}
	return nil
}

// Validate builds an empty collection with the settings, so it rejects exactly what
// the aggregator would.
func (a Aggregation) Validate() error {
	if _, err := aggregate.NewCollection(nil, a.Breakpoints, a.SampleSize, a.FreshnessTTL); err != nil {
		return fmt.Errorf("config: aggregation: %w", err)
	}
	return nil
}

type fileConfig struct {
	Aggregation Aggregation `yaml:"aggregation"`
}

// LoadFile overlays the aggregation section of the YAML file at path onto base.
// Fields absent from the file keep their base value.
func LoadFile(path string, base Aggregation) (Aggregation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Aggregation{}, fmt.Errorf("config: read file: %w", err)
	}

	fc := fileConfig{Aggregation: base}
	fc.Aggregation.Breakpoints = append([]int(nil), base.Breakpoints...)
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Aggregation{}, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := fc.Aggregation.Validate(); err != nil {
		return Aggregation{}, err
	}
	return fc.Aggregation, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parse "480, 600,782" into ints. Unparseable entries are kept as -1 so Validate
// rejects them instead of silently dropping a breakpoint.
func parseIntList(s string) []int {
	out := []int{}
	for p := range strings.SplitSeq(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			n = -1
		}
		out = append(out, n)
	}
	return out
}
