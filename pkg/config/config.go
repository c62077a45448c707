package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts either a Go duration string ("1m30s") or a bare number
// of seconds in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var seconds float64
	if err := value.Decode(&seconds); err == nil {
		*d = Duration(time.Duration(seconds * float64(time.Second)))
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration value %q", value.Value)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the resolved process configuration. Values are merged in the
// order: defaults, then each file named in SIDEBOARD_CONFIG_FILES, then
// SIDEBOARD_<section>_<key> environment overrides.
type Config struct {
	// Debug enables stack traces in error responses and frames.
	Debug bool `yaml:"debug"`

	// ListenAddr is the HTTP bind address.
	ListenAddr string `yaml:"listen_addr"`

	// PluginsDir is the filesystem root for plugin discovery.
	PluginsDir string `yaml:"plugins_dir"`

	WS  WSConfig  `yaml:"ws"`
	TLS TLSConfig `yaml:"tls"`

	// RPCServices maps remote service names to their hosts. Each entry
	// registers a websocket-backed proxy and a synchronous JSON-RPC one.
	RPCServices map[string]RPCServiceConfig `yaml:"rpc_services"`

	Database DatabaseConfig `yaml:"database"`
}

// WSConfig tunes both the hosted websocket endpoint and upstream clients.
type WSConfig struct {
	CallTimeout       Duration `yaml:"call_timeout"`
	PollInterval      Duration `yaml:"poll_interval"`
	ReconnectInterval Duration `yaml:"reconnect_interval"`
	WriteTimeout      Duration `yaml:"write_timeout"`

	// ThreadPool is the responder pool size.
	ThreadPool int `yaml:"thread_pool"`

	// AuthRequired rejects unauthenticated /ws upgrades.
	AuthRequired bool `yaml:"auth_required"`

	// AllowedOrigins is the origin allow-list for /ws upgrades.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TLSConfig holds the default mTLS material for upstream connections.
type TLSConfig struct {
	ClientKey  string `yaml:"client_key"`
	ClientCert string `yaml:"client_cert"`
	CA         string `yaml:"ca"`
}

// RPCServiceConfig describes one remote sideboard service. Certificate
// paths default to the top-level TLS section when empty.
type RPCServiceConfig struct {
	URL        string `yaml:"url"`
	JSONRPCURL string `yaml:"jsonrpc_url"`
	ClientKey  string `yaml:"client_key"`
	ClientCert string `yaml:"client_cert"`
	CA         string `yaml:"ca"`
}

// UnmarshalYAML accepts either a bare host string or a full mapping, so
// `rpc_services: {warehouse: wss://peer/wsrpc}` works as shorthand.
func (r *RPCServiceConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&r.URL)
	}
	type raw RPCServiceConfig
	var v raw
	if err := value.Decode(&v); err != nil {
		return err
	}
	*r = RPCServiceConfig(v)
	return nil
}

// DatabaseConfig holds the postgres connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

// DSN renders the postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr: ":8282",
		PluginsDir: "plugins",
		WS: WSConfig{
			CallTimeout:       Duration(10 * time.Second),
			PollInterval:      Duration(30 * time.Second),
			ReconnectInterval: Duration(60 * time.Second),
			WriteTimeout:      Duration(10 * time.Second),
			ThreadPool:        10,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "sideboard",
			Name:            "sideboard",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: Duration(5 * time.Minute),
		},
	}
}

// Validate checks the resolved configuration.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.WS.ThreadPool <= 0 {
		return fmt.Errorf("ws.thread_pool must be positive, got %d", c.WS.ThreadPool)
	}
	for _, d := range []struct {
		name  string
		value Duration
	}{
		{"ws.call_timeout", c.WS.CallTimeout},
		{"ws.poll_interval", c.WS.PollInterval},
		{"ws.reconnect_interval", c.WS.ReconnectInterval},
		{"ws.write_timeout", c.WS.WriteTimeout},
	} {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}
	for name, svc := range c.RPCServices {
		if svc.URL == "" {
			return fmt.Errorf("rpc_services.%s.url is required", name)
		}
	}
	return nil
}

// ServiceTLS builds the tls.Config for one remote service, falling back to
// the top-level TLS material. Returns nil when no certificates are
// configured.
func (c *Config) ServiceTLS(svc RPCServiceConfig) (*tls.Config, error) {
	cert := firstNonEmpty(svc.ClientCert, c.TLS.ClientCert)
	key := firstNonEmpty(svc.ClientKey, c.TLS.ClientKey)
	ca := firstNonEmpty(svc.CA, c.TLS.CA)
	if cert == "" && key == "" && ca == "" {
		return nil, nil
	}

	cfg := &tls.Config{}
	if cert != "" || key != "" {
		pair, err := tls.LoadX509KeyPair(cert, key)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	if ca != "" {
		pem, err := os.ReadFile(ca)
		if err != nil {
			return nil, fmt.Errorf("read ca bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in ca bundle %s", ca)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
