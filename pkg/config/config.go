package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v2"
)

const DefaultConfigPath = "rcdrive.toml"

type Config struct {
	Link       LinkConfig       `toml:"link" yaml:"link"`
	Watchdog   WatchdogConfig   `toml:"watchdog" yaml:"watchdog"`
	Receiver   ReceiverConfig   `toml:"receiver" yaml:"receiver"`
	Web        WebConfig        `toml:"web" yaml:"web"`
	Controller ControllerConfig `toml:"controller" yaml:"controller"`
	Sender     SenderConfig     `toml:"sender" yaml:"sender"`
	Log        LogConfig        `toml:"log" yaml:"log"`
	MQTT       MQTTConfig       `toml:"mqtt" yaml:"mqtt"`
	configPath string           `toml:"-" yaml:"-"`
}

// LinkConfig describes the serial port towards the motor controller.
type LinkConfig struct {
	Port         string `toml:"port" yaml:"port"`
	Baud         int    `toml:"baud" yaml:"baud"`
	ReadTimeout  string `toml:"read_timeout" yaml:"read_timeout"`
	WriteTimeout string `toml:"write_timeout" yaml:"write_timeout"`
}

type WatchdogConfig struct {
	Timeout string `toml:"timeout" yaml:"timeout"`
}

type ReceiverConfig struct {
	Addr      string `toml:"addr" yaml:"addr"`
	Heartbeat string `toml:"heartbeat" yaml:"heartbeat"`
}

type WebConfig struct {
	Addr           string  `toml:"addr" yaml:"addr"`
	Path           string  `toml:"path" yaml:"path"`
	MaxLinear      float64 `toml:"max_linear" yaml:"max_linear"`
	MaxAngular     float64 `toml:"max_angular" yaml:"max_angular"`
	StatusInterval string  `toml:"status_interval" yaml:"status_interval"`
	AuthSecret     string  `toml:"auth_secret,omitempty" yaml:"auth_secret,omitempty"`
	SendBuf        int     `toml:"send_buf" yaml:"send_buf"`
	PingInterval   string  `toml:"ping_interval" yaml:"ping_interval"`
	PongTimeout    string  `toml:"pong_timeout" yaml:"pong_timeout"`
}

type ControllerConfig struct {
	Port        string  `toml:"port" yaml:"port"`
	Baud        int     `toml:"baud" yaml:"baud"`
	Period      string  `toml:"period" yaml:"period"`
	Step        float64 `toml:"step" yaml:"step"`
	LinkTimeout string  `toml:"link_timeout,omitempty" yaml:"link_timeout,omitempty"`
	// FrameOut is a file receiving one text frame per period; empty means stdout.
	FrameOut string `toml:"frame_out,omitempty" yaml:"frame_out,omitempty"`
}

type SenderConfig struct {
	RobotAddr         string `toml:"robot_addr" yaml:"robot_addr"`
	HeartbeatInterval string `toml:"heartbeat_interval" yaml:"heartbeat_interval"`
	KeyRepeatInterval string `toml:"key_repeat_interval" yaml:"key_repeat_interval"`
	ReconnectDelay    string `toml:"reconnect_delay" yaml:"reconnect_delay"`
	ReconnectMax      string `toml:"reconnect_max" yaml:"reconnect_max"`
	WriteTimeout      string `toml:"write_timeout" yaml:"write_timeout"`
	ReleaseAfter      string `toml:"release_after" yaml:"release_after"`
}

type LogConfig struct {
	Dir        string `toml:"dir,omitempty" yaml:"dir,omitempty"`
	MaxSizeMB  int    `toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" yaml:"max_age_days"`
	Debug      bool   `toml:"debug" yaml:"debug"`
	Journal    string `toml:"journal,omitempty" yaml:"journal,omitempty"`
}

type MQTTConfig struct {
	Broker   string `toml:"broker,omitempty" yaml:"broker,omitempty"`
	Topic    string `toml:"topic" yaml:"topic"`
	ClientID string `toml:"client_id" yaml:"client_id"`
	QoS      int    `toml:"qos" yaml:"qos"`
}

func Default() Config {
	return Config{
		Link: LinkConfig{
			Port:         "/dev/ttyACM0",
			Baud:         115200,
			ReadTimeout:  "1s",
			WriteTimeout: "500ms",
		},
		Watchdog: WatchdogConfig{Timeout: "2s"},
		Receiver: ReceiverConfig{
			Addr:      "0.0.0.0:9000",
			Heartbeat: "H",
		},
		Web: WebConfig{
			Addr:           "0.0.0.0:8889",
			Path:           "/",
			MaxLinear:      1.0,
			MaxAngular:     1.0,
			StatusInterval: "2s",
			SendBuf:        64,
			PingInterval:   "20s",
			PongTimeout:    "10s",
		},
		Controller: ControllerConfig{
			Port:   "/dev/ttyUSB0",
			Baud:   115200,
			Period: "50ms",
			Step:   0.1,
		},
		Sender: SenderConfig{
			RobotAddr:         "10.95.76.100:9000",
			HeartbeatInterval: "500ms",
			KeyRepeatInterval: "100ms",
			ReconnectDelay:    "2s",
			ReconnectMax:      "30s",
			WriteTimeout:      "1s",
			ReleaseAfter:      "600ms",
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		MQTT: MQTTConfig{
			Topic:    "rcdrive",
			ClientID: "rcdrive",
		},
	}
}

func Load(path string) (Config, error) {
	cfg, exists, err := LoadOrDefault(path)
	if err != nil {
		return Config{}, err
	}
	if !exists {
		return Config{}, os.ErrNotExist
	}
	return cfg, nil
}

// LoadOrDefault reads path (TOML, or YAML for .yaml/.yml), applies
// environment overrides and validates. A missing file yields the defaults.
func LoadOrDefault(path string) (Config, bool, error) {
	return loadOrDefault(path, os.LookupEnv)
}

func loadOrDefault(path string, lookup func(string) (string, bool)) (Config, bool, error) {
	cfg := Default()
	exists := true

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := unmarshal(path, data, &cfg); err != nil {
			return Config{}, true, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err):
		exists = false
	default:
		return Config{}, false, fmt.Errorf("read config: %w", err)
	}

	cfg.configPath = path
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, exists, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, exists, err
	}
	return cfg, exists, nil
}

func unmarshal(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.UnmarshalStrict(data, cfg)
	default:
		return toml.Unmarshal(data, cfg)
	}
}

func (cfg *Config) ConfigPath() string {
	return cfg.configPath
}

func (cfg *Config) Validate() error {
	durations := []struct {
		name, value string
		optional    bool
	}{
		{"link.read_timeout", cfg.Link.ReadTimeout, false},
		{"link.write_timeout", cfg.Link.WriteTimeout, false},
		{"watchdog.timeout", cfg.Watchdog.Timeout, false},
		{"web.status_interval", cfg.Web.StatusInterval, false},
		{"web.ping_interval", cfg.Web.PingInterval, false},
		{"web.pong_timeout", cfg.Web.PongTimeout, false},
		{"controller.period", cfg.Controller.Period, false},
		{"controller.link_timeout", cfg.Controller.LinkTimeout, true},
		{"sender.heartbeat_interval", cfg.Sender.HeartbeatInterval, false},
		{"sender.key_repeat_interval", cfg.Sender.KeyRepeatInterval, false},
		{"sender.reconnect_delay", cfg.Sender.ReconnectDelay, false},
		{"sender.reconnect_max", cfg.Sender.ReconnectMax, false},
		{"sender.write_timeout", cfg.Sender.WriteTimeout, false},
		{"sender.release_after", cfg.Sender.ReleaseAfter, false},
	}
	for _, d := range durations {
		if d.optional && d.value == "" {
			continue
		}
		v, err := ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		if v < 0 || (v == 0 && !d.optional) {
			return fmt.Errorf("%s must be positive: %s", d.name, d.value)
		}
	}

	if cfg.Link.Baud <= 0 {
		return fmt.Errorf("link.baud must be positive: %d", cfg.Link.Baud)
	}
	if cfg.Controller.Baud <= 0 {
		return fmt.Errorf("controller.baud must be positive: %d", cfg.Controller.Baud)
	}
	if len(cfg.Receiver.Heartbeat) != 1 {
		return fmt.Errorf("receiver.heartbeat must be a single byte: %q", cfg.Receiver.Heartbeat)
	}
	if strings.ContainsAny(cfg.Receiver.Heartbeat, "wsad \rV\n") {
		return fmt.Errorf("receiver.heartbeat collides with a command byte: %q", cfg.Receiver.Heartbeat)
	}
	if cfg.Web.MaxLinear <= 0 || cfg.Web.MaxAngular <= 0 {
		return fmt.Errorf("web velocity limits must be positive: %g/%g", cfg.Web.MaxLinear, cfg.Web.MaxAngular)
	}
	if !strings.HasPrefix(cfg.Web.Path, "/") {
		return fmt.Errorf("web.path must start with '/': %q", cfg.Web.Path)
	}
	if cfg.Controller.Step <= 0 || cfg.Controller.Step > 1 {
		return fmt.Errorf("controller.step out of range: %g", cfg.Controller.Step)
	}
	for name, addr := range map[string]string{
		"receiver.addr":     cfg.Receiver.Addr,
		"web.addr":          cfg.Web.Addr,
		"sender.robot_addr": cfg.Sender.RobotAddr,
	} {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos out of range: %d", cfg.MQTT.QoS)
	}
	return nil
}

func (cfg *Config) normalize() {
	def := Default()

	if cfg.Link.Port == "" {
		cfg.Link.Port = def.Link.Port
	}
	if cfg.Link.ReadTimeout == "" {
		cfg.Link.ReadTimeout = def.Link.ReadTimeout
	}
	if cfg.Link.WriteTimeout == "" {
		cfg.Link.WriteTimeout = def.Link.WriteTimeout
	}
	if cfg.Watchdog.Timeout == "" {
		cfg.Watchdog.Timeout = def.Watchdog.Timeout
	}
	if cfg.Receiver.Addr == "" {
		cfg.Receiver.Addr = def.Receiver.Addr
	}
	if cfg.Receiver.Heartbeat == "" {
		cfg.Receiver.Heartbeat = def.Receiver.Heartbeat
	}
	if cfg.Web.Addr == "" {
		cfg.Web.Addr = def.Web.Addr
	}
	if cfg.Web.Path == "" {
		cfg.Web.Path = def.Web.Path
	}
	if cfg.Web.StatusInterval == "" {
		cfg.Web.StatusInterval = def.Web.StatusInterval
	}
	if cfg.Web.PingInterval == "" {
		cfg.Web.PingInterval = def.Web.PingInterval
	}
	if cfg.Web.PongTimeout == "" {
		cfg.Web.PongTimeout = def.Web.PongTimeout
	}
	if cfg.Web.SendBuf <= 0 {
		cfg.Web.SendBuf = def.Web.SendBuf
	}
	if cfg.Controller.Port == "" {
		cfg.Controller.Port = def.Controller.Port
	}
	if cfg.Controller.Period == "" {
		cfg.Controller.Period = def.Controller.Period
	}
	if cfg.Controller.Step == 0 {
		cfg.Controller.Step = def.Controller.Step
	}
	if cfg.Sender.RobotAddr == "" {
		cfg.Sender.RobotAddr = def.Sender.RobotAddr
	}
	if cfg.Sender.HeartbeatInterval == "" {
		cfg.Sender.HeartbeatInterval = def.Sender.HeartbeatInterval
	}
	if cfg.Sender.KeyRepeatInterval == "" {
		cfg.Sender.KeyRepeatInterval = def.Sender.KeyRepeatInterval
	}
	if cfg.Sender.ReconnectDelay == "" {
		cfg.Sender.ReconnectDelay = def.Sender.ReconnectDelay
	}
	if cfg.Sender.ReconnectMax == "" {
		cfg.Sender.ReconnectMax = def.Sender.ReconnectMax
	}
	if cfg.Sender.WriteTimeout == "" {
		cfg.Sender.WriteTimeout = def.Sender.WriteTimeout
	}
	if cfg.Sender.ReleaseAfter == "" {
		cfg.Sender.ReleaseAfter = def.Sender.ReleaseAfter
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = def.Log.MaxSizeMB
	}
	if cfg.MQTT.Topic == "" {
		cfg.MQTT.Topic = def.MQTT.Topic
	}
	cfg.MQTT.Topic = strings.TrimRight(cfg.MQTT.Topic, "/")
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = def.MQTT.ClientID
	}
}

// ParseDuration accepts Go durations ("500ms") and bare numbers of seconds
// ("0.5"), the form the environment variables use.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// mustDuration is only used on validated configs.
func mustDuration(s string) time.Duration {
	d, _ := ParseDuration(s)
	return d
}

func (c LinkConfig) ReadTimeoutDuration() time.Duration  { return mustDuration(c.ReadTimeout) }
func (c LinkConfig) WriteTimeoutDuration() time.Duration { return mustDuration(c.WriteTimeout) }
func (c WatchdogConfig) TimeoutDuration() time.Duration  { return mustDuration(c.Timeout) }
func (c WebConfig) StatusIntervalDuration() time.Duration {
	return mustDuration(c.StatusInterval)
}
func (c WebConfig) PingDuration() time.Duration { return mustDuration(c.PingInterval) }
func (c WebConfig) PongDuration() time.Duration { return mustDuration(c.PongTimeout) }
func (c ControllerConfig) PeriodDuration() time.Duration      { return mustDuration(c.Period) }
func (c ControllerConfig) LinkTimeoutDuration() time.Duration { return mustDuration(c.LinkTimeout) }
func (c SenderConfig) HeartbeatDuration() time.Duration       { return mustDuration(c.HeartbeatInterval) }
func (c SenderConfig) RepeatDuration() time.Duration          { return mustDuration(c.KeyRepeatInterval) }
func (c SenderConfig) ReconnectDuration() time.Duration       { return mustDuration(c.ReconnectDelay) }
func (c SenderConfig) ReconnectMaxDuration() time.Duration {
	return mustDuration(c.ReconnectMax)
}
func (c SenderConfig) WriteTimeoutDuration() time.Duration {
	return mustDuration(c.WriteTimeout)
}
func (c SenderConfig) ReleaseDuration() time.Duration         { return mustDuration(c.ReleaseAfter) }

// HeartbeatByte returns the configured heartbeat character.
func (c ReceiverConfig) HeartbeatByte() byte {
	if c.Heartbeat == "" {
		return 'H'
	}
	return c.Heartbeat[0]
}
