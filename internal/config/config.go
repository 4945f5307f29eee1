package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"shiplive/native/internal/domain"
)

// ErrHelp is returned when -h/--help was given.
var ErrHelp = pflag.ErrHelp

// Config holds the client configuration.
type Config struct {
	GatewayURL   string        `mapstructure:"gateway_url"`
	APIURL       string        `mapstructure:"api_url"`
	Token        string        `mapstructure:"token"`
	Role         string        `mapstructure:"role"`
	Order        string        `mapstructure:"order"`
	LogLevel     string        `mapstructure:"log_level"`
	ReconnectMin time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax time.Duration `mapstructure:"reconnect_max"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	STUNURLs     []string      `mapstructure:"stun_urls"`
}

// Sender returns the chat identity for the configured role.
func (c *Config) Sender() domain.Sender {
	return domain.Sender(c.Role)
}

// RelayConfig holds the development gateway configuration.
type RelayConfig struct {
	Addr       string `mapstructure:"addr"`
	DataDir    string `mapstructure:"data_dir"`
	UploadDir  string `mapstructure:"upload_dir"`
	PublicURL  string `mapstructure:"public_url"`
	JWTSecret  string `mapstructure:"jwt_secret"`
	LogLevel   string `mapstructure:"log_level"`
	IssueToken string `mapstructure:"issue_token"`
}

// Load reads the client configuration. Precedence, highest first: flags,
// environment (SHIPLIVE_*), the optional --config yaml file, defaults.
// A .env file is loaded into the environment without overriding it.
func Load(args []string) (*Config, error) {
	_ = godotenv.Load()

	fs := clientFlags()

	v := viper.New()
	v.SetDefault("gateway_url", "ws://localhost:8080/ws")
	v.SetDefault("api_url", "http://localhost:8080/api")
	v.SetDefault("log_level", "info")
	v.SetDefault("reconnect_min", "500ms")
	v.SetDefault("reconnect_max", "10s")
	v.SetDefault("ping_interval", "25s")
	v.SetDefault("stun_urls", []string{"stun:stun.l.google.com:19302"})

	if err := bind(v, fs, "SHIPLIVE", args); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.Token == "" {
		errs = append(errs, errors.New("token is required (SHIPLIVE_TOKEN or --token)"))
	}
	if !c.Sender().Valid() {
		errs = append(errs, fmt.Errorf("role must be customer or shipper, got %q", c.Role))
	}
	if strings.TrimSpace(c.Order) == "" {
		errs = append(errs, errors.New("order is required (SHIPLIVE_ORDER or --order)"))
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		errs = append(errs, fmt.Errorf("invalid reconnect window %s..%s", c.ReconnectMin, c.ReconnectMax))
	}
	return errors.Join(errs...)
}

// LoadRelay reads the relay configuration with the RELAY_ environment prefix.
func LoadRelay(args []string) (*RelayConfig, error) {
	_ = godotenv.Load()

	fs := relayFlags()

	v := viper.New()
	v.SetDefault("addr", ":8080")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("upload_dir", "./data/uploads")
	v.SetDefault("public_url", "")
	v.SetDefault("log_level", "info")

	if err := bind(v, fs, "RELAY", args); err != nil {
		return nil, err
	}

	var cfg RelayConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	return &cfg, nil
}

// Usage returns the flag listing of the client.
func Usage() string { return clientFlags().FlagUsages() }

// RelayUsage returns the flag listing of the relay.
func RelayUsage() string { return relayFlags().FlagUsages() }

// clientFlags and relayFlags leave printing to the caller; pflag would
// otherwise write its own usage to stderr on -h.
func clientFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("shiplive", pflag.ContinueOnError)
	fs.Usage = func() {}
	fs.String("config", "", "path to a yaml config file")
	fs.String("gateway-url", "", "websocket URL of the messaging gateway")
	fs.String("api-url", "", "base URL of the chat history API")
	fs.String("token", "", "bearer token")
	fs.String("role", "", "customer or shipper")
	fs.String("order", "", "order id to open")
	fs.String("log-level", "", "debug, info, warn or error")
	fs.Duration("reconnect-min", 0, "first reconnect delay")
	fs.Duration("reconnect-max", 0, "reconnect delay cap")
	fs.Duration("ping-interval", 0, "websocket keepalive interval")
	fs.StringSlice("stun-urls", nil, "STUN server URLs")
	return fs
}

func relayFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	fs.Usage = func() {}
	fs.String("config", "", "path to a yaml config file")
	fs.String("addr", "", "listen address")
	fs.String("data-dir", "", "directory of the SQLite database")
	fs.String("upload-dir", "", "directory for uploaded files")
	fs.String("public-url", "", "base URL for upload links; the request host when empty")
	fs.String("jwt-secret", "", "HS256 secret; auth is disabled when empty")
	fs.String("log-level", "", "debug, info, warn or error")
	fs.String("issue-token", "", "print a token for the given user id and exit")
	return fs
}

// bind parses args, wires every flag and the prefixed environment into v
// and reads the --config file when one was named.
func bind(v *viper.Viper, fs *pflag.FlagSet, prefix string, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}

	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		key := strings.ReplaceAll(f.Name, "-", "_")
		if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
			bindErr = err
		}
	})
	if bindErr != nil {
		return bindErr
	}

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return nil
}
