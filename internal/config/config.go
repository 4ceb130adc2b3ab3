package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/atalii/ac-mon/internal/domain"
	pkgconfig "github.com/atalii/ac-mon/pkg/config"
)

type Config struct {
	Server     ServerConfig
	Log        LogConfig
	Resolver   ResolverConfig
	Session    SessionConfig
	Protocol   ProtocolConfig
	Supervisor SupervisorConfig
	Notify     NotifyConfig
	Rooms      []domain.RoomConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type LogConfig struct {
	Level  string
	Pretty bool
}

type ResolverConfig struct {
	MaxHops      int           `mapstructure:"max_hops"`
	Timeout      time.Duration `mapstructure:"timeout"`
	UserAgent    string        `mapstructure:"user_agent"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	TicketTTL    time.Duration `mapstructure:"ticket_ttl"`
	Markers      []MarkerConfig
}

// MarkerConfig describes one value scraped from the terminal hop.
type MarkerConfig struct {
	Name     string
	Param    string
	Pattern  string
	Required bool
}

type SessionConfig struct {
	Endpoint          string
	Origin            string
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	JoinTimeout       time.Duration `mapstructure:"join_timeout"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	MaxProtocolErrors int           `mapstructure:"max_protocol_errors"`
	TicketMaxFailures int           `mapstructure:"ticket_max_failures"`
	WarnAfterFailures int           `mapstructure:"warn_after_failures"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
}

type ProtocolConfig struct {
	Dialect string
	RTMPURL string `mapstructure:"rtmp_url"`
	SWFURL  string `mapstructure:"swf_url"`
}

type SupervisorConfig struct {
	MaxConcurrentConnects int           `mapstructure:"max_concurrent_connects"`
	RestartInterval       time.Duration `mapstructure:"restart_interval"`
	RestartBurst          int           `mapstructure:"restart_burst"`
	ShutdownGrace         time.Duration `mapstructure:"shutdown_grace"`
}

type NotifyConfig struct {
	Driver    string
	QueueSize int `mapstructure:"queue_size"`
	Redis     RedisConfig
	Kafka     KafkaConfig
}

type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	Channel   string
	KeyPrefix string `mapstructure:"key_prefix"`
}

type KafkaConfig struct {
	Brokers    string
	Topic      string
	Partitions int
}

// Default marker patterns for the platform's join redirect. Values are
// URL-encoded inside a javascript bootstrap on the terminal page.
var defaultMarkers = []MarkerConfig{
	{Name: "ticket", Param: "ticket", Pattern: `ticket%3D([a-z0-9]+)%26`, Required: true},
	{Name: domain.ValueOrigin, Pattern: `origins%3D([a-z0-9\-]+%3A[0-9]+)%2C`},
	{Name: domain.ValueAppInstance, Pattern: `appInstance%3D([0-9]%2F[0-9A-F]+)%2F`},
}

// Load reads config/config.yaml plus environment overrides. path, when
// non-empty, names an explicit config file.
func Load(path string) (*Config, error) {
	var (
		v   *viper.Viper
		err error
	)
	if path != "" {
		v, err = pkgconfig.LoadFile(path)
	} else {
		v, err = pkgconfig.Load("./config", "config")
	}
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// FromViper applies defaults and env bindings to v and decodes it.
func FromViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	// Override from environment
	v.BindEnv("server.port", "PORT")
	v.BindEnv("log.level", "LOG_LEVEL")
	v.BindEnv("session.endpoint", "MONITOR_ENDPOINT")
	v.BindEnv("protocol.dialect", "MONITOR_DIALECT")
	v.BindEnv("notify.driver", "NOTIFY_DRIVER")
	v.BindEnv("notify.redis.address", "REDIS_ADDRESS")
	v.BindEnv("notify.redis.password", "REDIS_PASSWORD")
	v.BindEnv("notify.kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("notify.kafka.topic", "KAFKA_STATUS_TOPIC")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}

	// Parse durations
	cfg.Resolver.Timeout = parseDuration(v, "resolver.timeout", 15*time.Second)
	cfg.Resolver.TicketTTL = parseDuration(v, "resolver.ticket_ttl", 10*time.Minute)
	cfg.Session.HandshakeTimeout = parseDuration(v, "session.handshake_timeout", 10*time.Second)
	cfg.Session.JoinTimeout = parseDuration(v, "session.join_timeout", 10*time.Second)
	cfg.Session.HeartbeatTimeout = parseDuration(v, "session.heartbeat_timeout", 60*time.Second)
	cfg.Session.WriteTimeout = parseDuration(v, "session.write_timeout", 5*time.Second)
	cfg.Session.BackoffBase = parseDuration(v, "session.backoff_base", 1*time.Second)
	cfg.Session.BackoffMax = parseDuration(v, "session.backoff_max", 2*time.Minute)
	cfg.Supervisor.RestartInterval = parseDuration(v, "supervisor.restart_interval", 5*time.Second)
	cfg.Supervisor.ShutdownGrace = parseDuration(v, "supervisor.shutdown_grace", 10*time.Second)

	if len(cfg.Resolver.Markers) == 0 {
		cfg.Resolver.Markers = append([]MarkerConfig(nil), defaultMarkers...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("resolver.max_hops", 10)
	v.SetDefault("resolver.timeout", "15s")
	v.SetDefault("resolver.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("resolver.max_body_bytes", 2<<20)
	v.SetDefault("resolver.ticket_ttl", "10m")

	v.SetDefault("session.endpoint", "wss://amsprod-connect-uswest1-acts1.acms.com:443/")
	v.SetDefault("session.origin", "https://pcadobeconnect.stanford.edu")
	v.SetDefault("session.handshake_timeout", "10s")
	v.SetDefault("session.join_timeout", "10s")
	v.SetDefault("session.heartbeat_timeout", "60s")
	v.SetDefault("session.write_timeout", "5s")
	v.SetDefault("session.backoff_base", "1s")
	v.SetDefault("session.backoff_max", "2m")
	v.SetDefault("session.max_protocol_errors", 3)
	v.SetDefault("session.ticket_max_failures", 2)
	v.SetDefault("session.warn_after_failures", 5)
	v.SetDefault("session.max_message_size", 1<<20)

	v.SetDefault("protocol.dialect", "netconnection")
	v.SetDefault("protocol.rtmp_url", "rtmps://spcs-app3uswest1.acms.com:443/")
	v.SetDefault("protocol.swf_url", "https://pcadobeconnect.stanford.edu/common/webrtchtml/index.html")

	v.SetDefault("supervisor.max_concurrent_connects", 8)
	v.SetDefault("supervisor.restart_interval", "5s")
	v.SetDefault("supervisor.restart_burst", 3)
	v.SetDefault("supervisor.shutdown_grace", "10s")

	v.SetDefault("notify.driver", "none")
	v.SetDefault("notify.queue_size", 1024)
	v.SetDefault("notify.redis.address", "localhost:6379")
	v.SetDefault("notify.redis.db", 0)
	v.SetDefault("notify.redis.channel", "monitor:room_updates")
	v.SetDefault("notify.redis.key_prefix", "monitor")
	v.SetDefault("notify.kafka.brokers", "localhost:9092")
	v.SetDefault("notify.kafka.topic", "room-status")
	v.SetDefault("notify.kafka.partitions", 4)
}

// Validate checks the room list and the settings sessions depend on. Any
// failure wraps domain.ErrConfiguration and is fatal at startup.
func (c *Config) Validate() error {
	if len(c.Rooms) == 0 {
		return fmt.Errorf("%w: no rooms configured", domain.ErrConfiguration)
	}

	seen := make(map[string]struct{}, len(c.Rooms))
	for i, room := range c.Rooms {
		id := strings.TrimSpace(room.ID)
		if id == "" {
			return fmt.Errorf("%w: rooms[%d]: room_id is required", domain.ErrConfiguration, i)
		}
		if id != room.ID {
			return fmt.Errorf("%w: rooms[%d]: room_id %q has surrounding whitespace", domain.ErrConfiguration, i, room.ID)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate room_id %q", domain.ErrConfiguration, id)
		}
		seen[id] = struct{}{}

		u, err := url.Parse(room.JoinURL())
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: room %q: join_url_template must be an absolute http(s) URL", domain.ErrConfiguration, id)
		}
	}

	if c.Resolver.MaxHops <= 0 {
		return fmt.Errorf("%w: resolver.max_hops must be positive", domain.ErrConfiguration)
	}
	if c.Session.BackoffBase <= 0 || c.Session.BackoffMax < c.Session.BackoffBase {
		return fmt.Errorf("%w: session backoff must satisfy 0 < backoff_base <= backoff_max", domain.ErrConfiguration)
	}
	if u, err := url.Parse(c.Session.Endpoint); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("%w: session.endpoint must be a ws(s) URL", domain.ErrConfiguration)
	}

	hasTicket := false
	for _, m := range c.Resolver.Markers {
		if m.Name == "" || (m.Pattern == "" && m.Param == "") {
			return fmt.Errorf("%w: resolver marker needs a name and a pattern or param", domain.ErrConfiguration)
		}
		if m.Name == "ticket" {
			hasTicket = true
		}
	}
	if !hasTicket {
		return fmt.Errorf("%w: resolver markers must include \"ticket\"", domain.ErrConfiguration)
	}

	switch c.Protocol.Dialect {
	case "envelope", "netconnection":
	default:
		return fmt.Errorf("%w: unknown protocol.dialect %q", domain.ErrConfiguration, c.Protocol.Dialect)
	}

	switch c.Notify.Driver {
	case "", "none", "redis", "kafka":
	default:
		return fmt.Errorf("%w: unknown notify.driver %q", domain.ErrConfiguration, c.Notify.Driver)
	}

	return nil
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	str := v.GetString(key)
	d, err := time.ParseDuration(str)
	if err != nil {
		return defaultVal
	}
	return d
}
