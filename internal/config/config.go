package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// SIP peer modes.
const (
	ModeRegister = "register" // REGISTER with digest auth, refresh before expiry
	ModePeer     = "peer"     // no registration, OPTIONS keepalives decide reachability
	ModeNone     = "none"     // no upstream peer, calls arrive directly
)

// NumChannels is the number of audio output channels.
const NumChannels = 8

// Config holds all runtime configuration for the bridge.
// Precedence: CLI flags > env vars > config file > defaults.
type Config struct {
	ConfigFile string
	EnvFile    string
	DataDir    string
	HTTPPort   int

	SIPMode         string
	SIPServer       string
	SIPServerPort   int
	SIPTransport    string
	SIPUsername     string
	SIPAuthUsername string
	SIPPassword     string
	SIPExpiry       int // requested registration expiry, seconds
	SIPKeepalive    time.Duration
	SIPRetryBase    time.Duration
	SIPPort         int // local listen port
	SIPTrace        string
	// SIPAllow lists addresses and CIDRs allowed to send INVITEs. "peer"
	// stands for the resolved sip-server addresses. Empty allows anyone.
	SIPAllow        []string
	sipAllowFlag    string

	RTPPortMin int
	RTPPortMax int
	ExternalIP string // address advertised in SDP

	// Channels maps audio output channel (1-8) to a UDP destination.
	Channels     map[int]string
	channelsFlag string

	ToneFrequency float64
	ToneLevel     float64 // dBFS, negative

	DialRate    float64
	DialBurst   int
	NotifyQueue int

	LogLevel      string
	LogFormat     string // "text" or "json"
	LogFile       string
	LogMaxSize    int // megabytes
	LogMaxBackups int
	LogMaxAge     int // days
}

// defaults
const (
	defaultEnvFile       = ".env"
	defaultDataDir       = "./data"
	defaultHTTPPort      = 8080
	defaultSIPMode       = ModeRegister
	defaultSIPServerPort = 5060
	defaultSIPTransport  = "udp"
	defaultSIPExpiry     = 300
	defaultSIPKeepalive  = 30 * time.Second
	defaultSIPRetryBase  = 5 * time.Second
	defaultSIPPort       = 5060
	defaultSIPTrace      = "off"
	defaultRTPPortMin    = 10000
	defaultRTPPortMax    = 20000
	defaultToneFrequency = 1000
	defaultToneLevel     = -12
	defaultDialRate      = 2
	defaultDialBurst     = 8
	defaultNotifyQueue   = 256
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultLogMaxSize    = 100
	defaultLogMaxBackups = 3
	defaultLogMaxAge     = 28
)

// envPrefix is the prefix for all bridge environment variables. The
// variable for a flag is the prefix plus the flag name upper-cased with
// dashes turned into underscores, e.g. PHONEBRIDGE_SIP_SERVER.
const envPrefix = "PHONEBRIDGE_"

// Load parses configuration from CLI flags, the .env file, environment
// variables and the optional YAML config file.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("phonebridge", flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigFile, "config", "", "path to YAML config file")
	fs.StringVar(&cfg.EnvFile, "env-file", defaultEnvFile, "path to .env file (ignored if missing)")
	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the call log database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "ops HTTP server listen port")

	fs.StringVar(&cfg.SIPMode, "sip-mode", defaultSIPMode, "signaling peer mode (register, peer, none)")
	fs.StringVar(&cfg.SIPServer, "sip-server", "", "SIP registrar or peer host")
	fs.IntVar(&cfg.SIPServerPort, "sip-server-port", defaultSIPServerPort, "SIP registrar or peer port")
	fs.StringVar(&cfg.SIPTransport, "sip-transport", defaultSIPTransport, "SIP transport (udp, tcp)")
	fs.StringVar(&cfg.SIPUsername, "sip-username", "", "SIP account user")
	fs.StringVar(&cfg.SIPAuthUsername, "sip-auth-username", "", "SIP digest auth user (defaults to sip-username)")
	fs.StringVar(&cfg.SIPPassword, "sip-password", "", "SIP digest auth password")
	fs.IntVar(&cfg.SIPExpiry, "sip-expiry", defaultSIPExpiry, "requested registration expiry in seconds")
	fs.DurationVar(&cfg.SIPKeepalive, "sip-keepalive", defaultSIPKeepalive, "OPTIONS keepalive interval in peer mode")
	fs.DurationVar(&cfg.SIPRetryBase, "sip-retry-base", defaultSIPRetryBase, "first registration retry delay")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "local SIP listen port")
	fs.StringVar(&cfg.sipAllowFlag, "sip-allow", "", "comma-separated IPs or CIDRs allowed to call in (\"peer\" for the sip-server)")
	fs.StringVar(&cfg.SIPTrace, "sip-trace", defaultSIPTrace, "log raw SIP messages at debug (off, headers, full)")

	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "minimum UDP port for RTP media")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "maximum UDP port for RTP media")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "IP address advertised in SDP (auto-detected if empty)")

	fs.StringVar(&cfg.channelsFlag, "channels", "", "audio channel destinations, e.g. 1=10.0.0.5:5004,2=10.0.0.5:5006")
	fs.Float64Var(&cfg.ToneFrequency, "tone-frequency", defaultToneFrequency, "test tone frequency in Hz")
	fs.Float64Var(&cfg.ToneLevel, "tone-level", defaultToneLevel, "test tone level in dBFS")

	fs.Float64Var(&cfg.DialRate, "dial-rate", defaultDialRate, "outbound call attempts per second across all lines (0 disables the limit)")
	fs.IntVar(&cfg.DialBurst, "dial-burst", defaultDialBurst, "outbound call attempt burst")
	fs.IntVar(&cfg.NotifyQueue, "notify-queue", defaultNotifyQueue, "per-subscriber event queue size")

	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.LogFile, "log-file", "", "also write logs to this file, rotated")
	fs.IntVar(&cfg.LogMaxSize, "log-max-size", defaultLogMaxSize, "log file size in megabytes before rotation")
	fs.IntVar(&cfg.LogMaxBackups, "log-max-backups", defaultLogMaxBackups, "rotated log files to keep")
	fs.IntVar(&cfg.LogMaxAge, "log-max-age", defaultLogMaxAge, "days to keep rotated log files")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// .env only fills variables that are not already in the environment.
	envFile := cfg.EnvFile
	if !set["env-file"] {
		if v := os.Getenv(envName("env-file")); v != "" {
			envFile = v
		}
	}
	if err := loadDotEnv(envFile); err != nil {
		return nil, fmt.Errorf("loading %s: %w", envFile, err)
	}

	if !set["config"] {
		if v := os.Getenv(envName("config")); v != "" {
			cfg.ConfigFile = v
		}
	}
	if cfg.ConfigFile != "" {
		values, err := loadFile(cfg.ConfigFile)
		if err != nil {
			return nil, err
		}
		if err := applyValues(fs, set, values, "config file"); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(fs, set); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// loadDotEnv loads environment variables from path. Missing files are ignored.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > config file > defaults.
func applyEnvOverrides(fs *flag.FlagSet, set map[string]bool) error {
	values := make(map[string]string)
	fs.VisitAll(func(f *flag.Flag) {
		if val, ok := os.LookupEnv(envName(f.Name)); ok && val != "" {
			values[f.Name] = val
		}
	})
	return applyValues(fs, set, values, "environment")
}

// applyValues sets flags that were not given on the command line. Values
// are applied through the flag's own parser so env and file values are
// validated like CLI input.
func applyValues(fs *flag.FlagSet, set map[string]bool, values map[string]string, source string) error {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if set[name] || name == "config" || name == "env-file" {
			continue
		}
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := f.Value.Set(values[name]); err != nil {
			return fmt.Errorf("%s value for %s: %w", source, name, err)
		}
	}
	return nil
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}

	c.SIPMode = strings.ToLower(c.SIPMode)
	switch c.SIPMode {
	case ModeRegister:
		if c.SIPUsername == "" {
			return fmt.Errorf("sip-username is required in %s mode", ModeRegister)
		}
		fallthrough
	case ModePeer:
		if c.SIPServer == "" {
			return fmt.Errorf("sip-server is required in %s mode", c.SIPMode)
		}
		if c.SIPServerPort < 1 || c.SIPServerPort > 65535 {
			return fmt.Errorf("sip-server-port must be between 1 and 65535, got %d", c.SIPServerPort)
		}
	case ModeNone:
	default:
		return fmt.Errorf("sip-mode must be one of register, peer, none; got %q", c.SIPMode)
	}

	c.SIPTransport = strings.ToLower(c.SIPTransport)
	if c.SIPTransport != "udp" && c.SIPTransport != "tcp" {
		return fmt.Errorf("sip-transport must be udp or tcp, got %q", c.SIPTransport)
	}
	if c.SIPExpiry < 60 {
		return fmt.Errorf("sip-expiry must be at least 60 seconds, got %d", c.SIPExpiry)
	}
	if c.SIPKeepalive < time.Second {
		return fmt.Errorf("sip-keepalive must be at least 1s, got %s", c.SIPKeepalive)
	}
	c.SIPAllow = nil
	for _, entry := range strings.Split(c.sipAllowFlag, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			c.SIPAllow = append(c.SIPAllow, entry)
		}
	}

	c.SIPTrace = strings.ToLower(strings.TrimSpace(c.SIPTrace))
	switch c.SIPTrace {
	case "", "off", "headers", "full":
	default:
		return fmt.Errorf("sip-trace must be off, headers or full; got %q", c.SIPTrace)
	}
	if c.SIPRetryBase <= 0 {
		return fmt.Errorf("sip-retry-base must be positive, got %s", c.SIPRetryBase)
	}

	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin+2 || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min+2 and 65535, got %d", c.RTPPortMax)
	}
	// RTP ports must be even (RTP uses even ports, RTCP uses the next odd port).
	if c.RTPPortMin%2 != 0 {
		return fmt.Errorf("rtp-port-min must be even, got %d", c.RTPPortMin)
	}
	if c.ExternalIP != "" && net.ParseIP(c.ExternalIP) == nil {
		return fmt.Errorf("external-ip must be an IP address, got %q", c.ExternalIP)
	}

	channels, err := parseChannels(c.channelsFlag)
	if err != nil {
		return err
	}
	c.Channels = channels

	if c.ToneFrequency <= 0 || c.ToneFrequency >= 4000 {
		return fmt.Errorf("tone-frequency must be between 0 and 4000 Hz exclusive, got %g", c.ToneFrequency)
	}
	if c.ToneLevel >= 0 {
		return fmt.Errorf("tone-level must be below 0 dBFS, got %g", c.ToneLevel)
	}

	if c.DialRate < 0 {
		return fmt.Errorf("dial-rate must not be negative, got %g", c.DialRate)
	}
	if c.DialBurst < 1 {
		return fmt.Errorf("dial-burst must be at least 1, got %d", c.DialBurst)
	}
	if c.NotifyQueue < 1 {
		return fmt.Errorf("notify-queue must be at least 1, got %d", c.NotifyQueue)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.LogMaxSize < 1 || c.LogMaxBackups < 0 || c.LogMaxAge < 0 {
		return fmt.Errorf("log rotation settings must not be negative and log-max-size must be at least 1")
	}

	return nil
}

// parseChannels parses "1=host:port,2=host:port" into a channel map.
func parseChannels(value string) (map[int]string, error) {
	channels := make(map[int]string)
	if strings.TrimSpace(value) == "" {
		return channels, nil
	}
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		num, dest, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("channels entry %q must be <channel>=<host:port>", item)
		}
		ch, err := strconv.Atoi(strings.TrimSpace(num))
		if err != nil || ch < 1 || ch > NumChannels {
			return nil, fmt.Errorf("channels entry %q: channel must be 1-%d", item, NumChannels)
		}
		dest = strings.TrimSpace(dest)
		if _, _, err := net.SplitHostPort(dest); err != nil {
			return nil, fmt.Errorf("channels entry %q: %w", item, err)
		}
		if _, dup := channels[ch]; dup {
			return nil, fmt.Errorf("channel %d configured twice", ch)
		}
		channels[ch] = dest
	}
	return channels, nil
}

// AuthUser returns the digest auth user, falling back to the account user.
func (c *Config) AuthUser() string {
	if c.SIPAuthUsername != "" {
		return c.SIPAuthUsername
	}
	return c.SIPUsername
}

// SIPHost returns the hostname to use for the SIP User-Agent.
func (c *Config) SIPHost() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return hostname
}

// MediaIP returns the IP address to use in SDP.
// If ExternalIP is configured, it is returned directly. Otherwise the
// function attempts to detect the machine's primary non-loopback IPv4 address.
// Falls back to "127.0.0.1" if detection fails.
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}
