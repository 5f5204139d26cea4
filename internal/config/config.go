// Package config lê a configuração do facilitator: um arquivo TOML opcional
// carregado primeiro e variáveis de ambiente por cima.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Log      LogConfig      `toml:"log"`
	Ring     RingConfig     `toml:"ring"`
	X402     X402Config     `toml:"x402"`
	Rate     RateConfig     `toml:"rate"`
	Redis    RedisConfig    `toml:"redis"`
	Chain    ChainConfig    `toml:"chain"`
	Session  SessionConfig  `toml:"session"`
	Receipts ReceiptsConfig `toml:"receipts"`
}

type ServerConfig struct {
	Listen             string        `toml:"listen"`
	UpstreamURL        string        `toml:"upstream_url"`
	ConcurrencyMax     int           `toml:"concurrency_max"`
	ConcurrencyTimeout time.Duration `toml:"concurrency_timeout"`
	ShutdownTimeout    time.Duration `toml:"shutdown_timeout"`
}

type LogConfig struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

type RingConfig struct {
	NodeID       string   `toml:"node_id"`
	Peers        []string `toml:"peers"`
	VirtualNodes int      `toml:"virtual_nodes"`
}

type X402Config struct {
	Recipient     string        `toml:"recipient"`
	AgentIdentity string        `toml:"agent_identity"`
	Network       string        `toml:"network"`
	Price         uint64        `toml:"price"`
	JobTTL        time.Duration `toml:"job_ttl"`
}

// Limit é um par limite/janela.
type Limit struct {
	Max    int           `toml:"max"`
	Window time.Duration `toml:"window"`
}

type RateConfig struct {
	KeyHeader          string        `toml:"key_header"`
	TrustXForwardedFor bool          `toml:"trust_xff"`
	RetryAfter         time.Duration `toml:"retry_after"`
	// StrictDistributed nega quando o contador externo falha, em vez de
	// cair para o limiter local.
	StrictDistributed bool `toml:"strict_distributed"`

	Quote         Limit `toml:"quote"`
	SessionCreate Limit `toml:"session_create"`
	SessionDebit  Limit `toml:"session_debit"`

	StatsEnabled   bool          `toml:"stats_enabled"`
	StatsPrefix    string        `toml:"stats_prefix"`
	StatsTTL       time.Duration `toml:"stats_ttl"`
	StatsBucket    string        `toml:"stats_bucket"`
	StatsTrackKeys bool          `toml:"stats_track_keys"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Addr) != "" }

type ChainConfig struct {
	URL     string        `toml:"url"`
	APIKey  string        `toml:"api_key"`
	Timeout time.Duration `toml:"timeout"`

	FailureThreshold  int           `toml:"failure_threshold"`
	ResetTimeout      time.Duration `toml:"reset_timeout"`
	HalfOpenSuccesses int           `toml:"half_open_successes"`
	MaxRetries        int           `toml:"max_retries"`
	BackoffBase       time.Duration `toml:"backoff_base"`
	BackoffMax        time.Duration `toml:"backoff_max"`
}

type SessionConfig struct {
	TTL time.Duration `toml:"ttl"`
}

type ReceiptsConfig struct {
	Path string `toml:"path"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Listen:          ":8080",
			ConcurrencyMax:  100,
			ShutdownTimeout: 10 * time.Second,
		},
		Log:  LogConfig{Format: "json", Level: "info"},
		Ring: RingConfig{NodeID: "facilitator-1", VirtualNodes: 150},
		X402: X402Config{
			Network: "base-sepolia",
			JobTTL:  10 * time.Minute,
		},
		Rate: RateConfig{
			RetryAfter:    time.Second,
			Quote:         Limit{Max: 10, Window: time.Minute},
			SessionCreate: Limit{Max: 20, Window: time.Minute},
			SessionDebit:  Limit{Max: 60, Window: time.Minute},
			StatsPrefix:   "facilitator:ratelimit:stats",
			StatsTTL:      24 * time.Hour,
			StatsBucket:   "minute",
		},
		Redis: RedisConfig{Prefix: "facilitator"},
		Chain: ChainConfig{
			Timeout:           5 * time.Second,
			FailureThreshold:  5,
			ResetTimeout:      30 * time.Second,
			HalfOpenSuccesses: 2,
			MaxRetries:        3,
			BackoffBase:       100 * time.Millisecond,
			BackoffMax:        5 * time.Second,
		},
		Session: SessionConfig{TTL: time.Hour},
	}
}

// Load aplica, nesta ordem: padrões, arquivo TOML (se path não for vazio) e
// ambiente. lookup normalmente é os.LookupEnv.
func Load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if keys := md.Undecoded(); len(keys) > 0 {
			return Config{}, fmt.Errorf("unknown config keys in %s: %v", path, keys)
		}
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	applyEnv(&cfg, env(lookup))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(c *Config, e env) {
	c.Server.Listen = e.str("LISTEN_ADDR", c.Server.Listen)
	c.Server.UpstreamURL = e.str("UPSTREAM_URL", c.Server.UpstreamURL)
	c.Server.ConcurrencyMax = e.int("CONCURRENCY_MAX", c.Server.ConcurrencyMax)
	c.Server.ConcurrencyTimeout = e.duration("CONCURRENCY_TIMEOUT", c.Server.ConcurrencyTimeout)
	c.Server.ShutdownTimeout = e.duration("SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.Log.Format = e.str("LOG_FORMAT", c.Log.Format)
	c.Log.Level = e.str("LOG_LEVEL", c.Log.Level)

	c.Ring.NodeID = e.str("NODE_ID", c.Ring.NodeID)
	c.Ring.Peers = e.list("RING_PEERS", c.Ring.Peers)
	c.Ring.VirtualNodes = e.int("RING_VNODES", c.Ring.VirtualNodes)

	c.X402.Recipient = e.str("X402_RECIPIENT", c.X402.Recipient)
	c.X402.AgentIdentity = e.str("X402_AGENT_IDENTITY", c.X402.AgentIdentity)
	c.X402.Network = e.str("X402_NETWORK", c.X402.Network)
	c.X402.Price = e.uint("X402_PRICE", c.X402.Price)
	c.X402.JobTTL = e.duration("X402_JOB_TTL", c.X402.JobTTL)

	c.Rate.KeyHeader = e.str("RATE_KEY_HEADER", c.Rate.KeyHeader)
	c.Rate.TrustXForwardedFor = e.bool("TRUST_XFF", c.Rate.TrustXForwardedFor)
	c.Rate.RetryAfter = e.duration("RETRY_AFTER", c.Rate.RetryAfter)
	c.Rate.StrictDistributed = e.bool("RATE_STRICT_DISTRIBUTED", c.Rate.StrictDistributed)
	c.Rate.Quote.Max = e.int("RATE_QUOTE_MAX", c.Rate.Quote.Max)
	c.Rate.Quote.Window = e.duration("RATE_QUOTE_WINDOW", c.Rate.Quote.Window)
	c.Rate.SessionCreate.Max = e.int("RATE_SESSION_CREATE_MAX", c.Rate.SessionCreate.Max)
	c.Rate.SessionCreate.Window = e.duration("RATE_SESSION_CREATE_WINDOW", c.Rate.SessionCreate.Window)
	c.Rate.SessionDebit.Max = e.int("RATE_SESSION_DEBIT_MAX", c.Rate.SessionDebit.Max)
	c.Rate.SessionDebit.Window = e.duration("RATE_SESSION_DEBIT_WINDOW", c.Rate.SessionDebit.Window)
	c.Rate.StatsEnabled = e.bool("RATE_STATS_ENABLED", c.Rate.StatsEnabled)
	c.Rate.StatsPrefix = e.str("RATE_STATS_PREFIX", c.Rate.StatsPrefix)
	c.Rate.StatsTTL = e.duration("RATE_STATS_TTL", c.Rate.StatsTTL)
	c.Rate.StatsBucket = e.str("RATE_STATS_BUCKET", c.Rate.StatsBucket)
	c.Rate.StatsTrackKeys = e.bool("RATE_STATS_TRACK_KEYS", c.Rate.StatsTrackKeys)

	c.Redis.Addr = e.str("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = e.str("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = e.int("REDIS_DB", c.Redis.DB)
	c.Redis.Prefix = e.str("REDIS_PREFIX", c.Redis.Prefix)

	c.Chain.URL = e.str("CHAIN_URL", c.Chain.URL)
	c.Chain.APIKey = e.str("CHAIN_API_KEY", c.Chain.APIKey)
	c.Chain.Timeout = e.duration("CHAIN_TIMEOUT", c.Chain.Timeout)
	c.Chain.FailureThreshold = e.int("CHAIN_BREAKER_FAILURES", c.Chain.FailureThreshold)
	c.Chain.ResetTimeout = e.duration("CHAIN_BREAKER_RESET", c.Chain.ResetTimeout)
	c.Chain.HalfOpenSuccesses = e.int("CHAIN_BREAKER_HALF_OPEN_SUCCESSES", c.Chain.HalfOpenSuccesses)
	c.Chain.MaxRetries = e.int("CHAIN_MAX_RETRIES", c.Chain.MaxRetries)
	c.Chain.BackoffBase = e.duration("CHAIN_BACKOFF_BASE", c.Chain.BackoffBase)
	c.Chain.BackoffMax = e.duration("CHAIN_BACKOFF_MAX", c.Chain.BackoffMax)

	c.Session.TTL = e.duration("SESSION_TTL", c.Session.TTL)
	c.Receipts.Path = e.str("RECEIPTS_DB", c.Receipts.Path)
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.Listen) == "" {
		return errors.New("LISTEN_ADDR is required")
	}
	if c.Server.UpstreamURL != "" {
		if _, err := url.Parse(c.Server.UpstreamURL); err != nil {
			return fmt.Errorf("invalid UPSTREAM_URL: %w", err)
		}
	}
	if c.Server.ConcurrencyMax < 0 {
		return errors.New("CONCURRENCY_MAX must be >= 0")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.Log.Format)
	}
	if strings.TrimSpace(c.Ring.NodeID) == "" {
		return errors.New("NODE_ID is required")
	}
	if c.Ring.VirtualNodes <= 0 {
		return errors.New("RING_VNODES must be > 0")
	}
	if c.X402.Enabled() {
		if c.X402.Price == 0 {
			return errors.New("X402_PRICE must be > 0 when X402_RECIPIENT is set")
		}
		if c.Chain.URL == "" {
			return errors.New("CHAIN_URL is required when X402_RECIPIENT is set")
		}
		if c.X402.JobTTL <= 0 {
			return errors.New("X402_JOB_TTL must be > 0")
		}
	}
	for name, l := range map[string]Limit{
		"RATE_QUOTE":          c.Rate.Quote,
		"RATE_SESSION_CREATE": c.Rate.SessionCreate,
		"RATE_SESSION_DEBIT":  c.Rate.SessionDebit,
	} {
		if l.Max <= 0 {
			return fmt.Errorf("%s_MAX must be > 0", name)
		}
		if l.Window <= 0 {
			return fmt.Errorf("%s_WINDOW must be > 0", name)
		}
	}
	if c.Rate.StrictDistributed && !c.Redis.Enabled() {
		return errors.New("REDIS_ADDR is required when RATE_STRICT_DISTRIBUTED=true")
	}
	if c.Chain.FailureThreshold <= 0 {
		return errors.New("CHAIN_BREAKER_FAILURES must be > 0")
	}
	if c.Chain.ResetTimeout <= 0 {
		return errors.New("CHAIN_BREAKER_RESET must be > 0")
	}
	if c.Chain.MaxRetries < 0 {
		return errors.New("CHAIN_MAX_RETRIES must be >= 0")
	}
	if c.Session.TTL <= 0 {
		return errors.New("SESSION_TTL must be > 0")
	}
	return nil
}

// Enabled diz se as rotas pagas cobram: sem recipient ou agente, passam direto.
func (x X402Config) Enabled() bool {
	return x.Recipient != "" && x.AgentIdentity != ""
}

func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q: %w", l.Level, err)
	}
	return lvl, nil
}

// NewLogger monta o logger do processo. Level inválido cai para info.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	lvl, err := l.SlogLevel()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
