package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Node         NodeConfig         `yaml:"node"`
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Calendar     CalendarConfig     `yaml:"calendar"`
	Lock         LockConfig         `yaml:"lock"`
	Provision    ProvisionConfig    `yaml:"provision"`
	Schedule     ScheduleConfig     `yaml:"schedule"`
	Notification NotificationConfig `yaml:"notification"`
	Failover     FailoverConfig     `yaml:"failover"`
	Log          LogConfig          `yaml:"log"`
}

// NodeConfig identifies this process in heartbeats and alerts.
type NodeConfig struct {
	Name string `yaml:"name"`
	// Role is either "primary" or "standby".
	Role string `yaml:"role"`
}

// ServerConfig holds the operator API configuration.
type ServerConfig struct {
	Bind            string  `yaml:"bind"`
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// DatabaseConfig holds the database connection configuration.
// A DSN starting with postgres:// or postgresql:// selects the postgres driver,
// anything else is treated as a sqlite file path.
type DatabaseConfig struct {
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	Debug                  bool   `yaml:"debug"`
}

// CalendarSource describes one booking calendar feed.
type CalendarSource struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	// Label is used in guest labels and synthesized booking references, e.g. "Airbnb".
	Label string `yaml:"label"`
	// SummaryFilter keeps only events whose summary matches exactly. Empty keeps all events.
	SummaryFilter string `yaml:"summary_filter"`
	// RefFromLabel synthesizes the booking reference from the label and check-in date.
	RefFromLabel bool `yaml:"ref_from_label"`
}

// CalendarConfig holds the reconciler configuration.
type CalendarConfig struct {
	Sources                []CalendarSource `yaml:"sources"`
	PollIntervalMinutes    int              `yaml:"poll_interval_minutes"`
	PollInterval           time.Duration    `yaml:"-"`
	FetchTimeoutSeconds    int              `yaml:"fetch_timeout_seconds"`
	FetchTimeout           time.Duration    `yaml:"-"`
	CancelConfirmMinutes   int              `yaml:"cancel_confirm_minutes"`
	CancelConfirm          time.Duration    `yaml:"-"`
	BreakerFailures        int              `yaml:"breaker_failures"`
	BreakerCooldownMinutes int              `yaml:"breaker_cooldown_minutes"`
	BreakerCooldown        time.Duration    `yaml:"-"`
	Timezone               string           `yaml:"timezone"`
	CheckInTime            string           `yaml:"check_in_time"`
	CheckOutTime           string           `yaml:"check_out_time"`
	LabelPrefix            string           `yaml:"label_prefix"`
	// HTTPProxy routes feed requests through a proxy when set.
	HTTPProxy string `yaml:"http_proxy"`
}

// LockConfig holds the lock controller command configuration.
type LockConfig struct {
	// Mode is "local" or "ssh".
	Mode           string        `yaml:"mode"`
	SSHHost        string        `yaml:"ssh_host"`
	ScriptPath     string        `yaml:"script_path"`
	VenvPath       string        `yaml:"venv_path"`
	TimeoutSeconds int           `yaml:"timeout_seconds"`
	Timeout        time.Duration `yaml:"-"`
	Retries        int           `yaml:"retries"`
	RetryDelaySecs int           `yaml:"retry_delay_seconds"`
	RetryDelay     time.Duration `yaml:"-"`
}

// ProvisionConfig holds retry and alerting limits for the orchestrator.
type ProvisionConfig struct {
	MaxRetries              int           `yaml:"max_retries"`
	MaxNotifyRetries        int           `yaml:"max_notify_retries"`
	AlertCooldownHours      int           `yaml:"alert_cooldown_hours"`
	AlertCooldown           time.Duration `yaml:"-"`
	BatteryAlertCooldownHrs int           `yaml:"battery_alert_cooldown_hours"`
	BatteryAlertCooldown    time.Duration `yaml:"-"`
	BatteryLowPercent       int           `yaml:"battery_low_percent"`
	CleanupBufferMinutes    int           `yaml:"cleanup_buffer_minutes"`
	CleanupBuffer           time.Duration `yaml:"-"`
	NotifyLeadHours         int           `yaml:"notify_lead_hours"`
	NotifyLead              time.Duration `yaml:"-"`
}

// ScheduleConfig holds cron expressions for the periodic jobs.
type ScheduleConfig struct {
	Hourly  string `yaml:"hourly"`
	Battery string `yaml:"battery"`
}

// NotificationConfig holds operator notification channels.
type NotificationConfig struct {
	Recipient string      `yaml:"recipient"`
	Email     EmailConfig `yaml:"email"`
	Push      PushConfig  `yaml:"push"`
}

// EmailConfig holds SMTP settings.
type EmailConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// FailoverConfig holds heartbeat and watchdog settings.
type FailoverConfig struct {
	// PeerURL is the standby's heartbeat endpoint, used by the primary.
	PeerURL                  string        `yaml:"peer_url"`
	Token                    string        `yaml:"token"`
	HeartbeatIntervalMinutes int           `yaml:"heartbeat_interval_minutes"`
	HeartbeatInterval        time.Duration `yaml:"-"`
	HeartbeatTimeoutSeconds  int           `yaml:"heartbeat_timeout_seconds"`
	HeartbeatTimeout         time.Duration `yaml:"-"`
	CheckIntervalMinutes     int           `yaml:"check_interval_minutes"`
	CheckInterval            time.Duration `yaml:"-"`
	ThresholdHours           int           `yaml:"threshold_hours"`
	Threshold                time.Duration `yaml:"-"`
	ReceiverPort             int           `yaml:"receiver_port"`
	// StorePath selects the heartbeat backend: a path ending in .json uses an
	// atomically replaced file, anything else a bbolt database.
	StorePath string `yaml:"store_path"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load reads the configuration from the given path, then applies environment
// overrides. A .env file in the working directory is loaded first if present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyEnv(cfg *Config) {
	cfg.Node.Name = getenv("GUESTKEY_NODE_NAME", cfg.Node.Name)
	cfg.Node.Role = getenv("GUESTKEY_ROLE", cfg.Node.Role)
	cfg.Database.DSN = getenv("GUESTKEY_DB_DSN", cfg.Database.DSN)
	cfg.Failover.Token = getenv("GUESTKEY_HEARTBEAT_TOKEN", cfg.Failover.Token)
	cfg.Failover.PeerURL = getenv("GUESTKEY_PEER_URL", cfg.Failover.PeerURL)
	cfg.Notification.Email.Password = getenv("GUESTKEY_SMTP_PASSWORD", cfg.Notification.Email.Password)
	cfg.Notification.Push.PrivateKey = getenv("GUESTKEY_VAPID_PRIVATE_KEY", cfg.Notification.Push.PrivateKey)
	cfg.Server.Port = getenvInt("GUESTKEY_PORT", cfg.Server.Port)
	cfg.Failover.ReceiverPort = getenvInt("GUESTKEY_RECEIVER_PORT", cfg.Failover.ReceiverPort)
}

func applyDefaults(cfg *Config) {
	if cfg.Node.Role == "" {
		cfg.Node.Role = "primary"
	}

	if cfg.Server.Bind == "" {
		cfg.Server.Bind = "127.0.0.1"
	}
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 3947
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 5
	}

	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "guestkey.db"
	}
	if cfg.Database.MaxOpenConns <= 0 {
		cfg.Database.MaxOpenConns = 1
	}
	if cfg.Database.MaxIdleConns <= 0 {
		cfg.Database.MaxIdleConns = 1
	}

	c := &cfg.Calendar
	if c.PollIntervalMinutes <= 0 {
		c.PollIntervalMinutes = 15
	}
	c.PollInterval = time.Duration(c.PollIntervalMinutes) * time.Minute
	if c.FetchTimeoutSeconds <= 0 {
		c.FetchTimeoutSeconds = 30
	}
	c.FetchTimeout = time.Duration(c.FetchTimeoutSeconds) * time.Second
	if c.CancelConfirmMinutes <= 0 {
		c.CancelConfirmMinutes = 10
	}
	c.CancelConfirm = time.Duration(c.CancelConfirmMinutes) * time.Minute
	if c.BreakerFailures <= 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerCooldownMinutes <= 0 {
		c.BreakerCooldownMinutes = 30
	}
	c.BreakerCooldown = time.Duration(c.BreakerCooldownMinutes) * time.Minute
	if c.Timezone == "" {
		c.Timezone = "Local"
	}
	if c.CheckInTime == "" {
		c.CheckInTime = "15:00"
	}
	if c.CheckOutTime == "" {
		c.CheckOutTime = "11:00"
	}
	for i := range c.Sources {
		if c.Sources[i].Label == "" {
			c.Sources[i].Label = c.Sources[i].Name
		}
	}

	l := &cfg.Lock
	if l.Mode == "" {
		l.Mode = "local"
	}
	if l.TimeoutSeconds <= 0 {
		l.TimeoutSeconds = 180
	}
	l.Timeout = time.Duration(l.TimeoutSeconds) * time.Second
	if l.Retries <= 0 {
		l.Retries = 2
	}
	if l.RetryDelaySecs <= 0 {
		l.RetryDelaySecs = 5
	}
	l.RetryDelay = time.Duration(l.RetryDelaySecs) * time.Second

	p := &cfg.Provision
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.MaxNotifyRetries <= 0 {
		p.MaxNotifyRetries = 3
	}
	if p.AlertCooldownHours <= 0 {
		p.AlertCooldownHours = 6
	}
	p.AlertCooldown = time.Duration(p.AlertCooldownHours) * time.Hour
	if p.BatteryAlertCooldownHrs <= 0 {
		p.BatteryAlertCooldownHrs = 24
	}
	p.BatteryAlertCooldown = time.Duration(p.BatteryAlertCooldownHrs) * time.Hour
	if p.BatteryLowPercent <= 0 {
		p.BatteryLowPercent = 20
	}
	if p.CleanupBufferMinutes <= 0 {
		p.CleanupBufferMinutes = 60
	}
	p.CleanupBuffer = time.Duration(p.CleanupBufferMinutes) * time.Minute
	if p.NotifyLeadHours <= 0 {
		p.NotifyLeadHours = 72
	}
	p.NotifyLead = time.Duration(p.NotifyLeadHours) * time.Hour

	if cfg.Schedule.Hourly == "" {
		cfg.Schedule.Hourly = "5 * * * *"
	}
	if cfg.Schedule.Battery == "" {
		cfg.Schedule.Battery = "0 9 * * *"
	}

	if cfg.Notification.Email.Port <= 0 {
		cfg.Notification.Email.Port = 587
	}
	if cfg.Notification.Push.TTL <= 0 {
		cfg.Notification.Push.TTL = 3600
	}

	f := &cfg.Failover
	if f.HeartbeatIntervalMinutes <= 0 {
		f.HeartbeatIntervalMinutes = 10
	}
	f.HeartbeatInterval = time.Duration(f.HeartbeatIntervalMinutes) * time.Minute
	if f.HeartbeatTimeoutSeconds <= 0 {
		f.HeartbeatTimeoutSeconds = 10
	}
	f.HeartbeatTimeout = time.Duration(f.HeartbeatTimeoutSeconds) * time.Second
	if f.CheckIntervalMinutes <= 0 {
		f.CheckIntervalMinutes = 5
	}
	f.CheckInterval = time.Duration(f.CheckIntervalMinutes) * time.Minute
	if f.ThresholdHours <= 0 {
		f.ThresholdHours = 20
	}
	f.Threshold = time.Duration(f.ThresholdHours) * time.Hour
	if f.ReceiverPort <= 0 {
		f.ReceiverPort = 3948
	}
	if f.StorePath == "" {
		f.StorePath = "heartbeat.db"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
