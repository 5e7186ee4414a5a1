package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`
	HTTP          struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
		MaxConns int32  `mapstructure:"max_conns"`
	} `mapstructure:"db"`
	Auth struct {
		OktaDomain   string `mapstructure:"okta_domain"`
		ClientID     string `mapstructure:"client_id"`
		ClientSecret string `mapstructure:"client_secret"`
		RedirectURL  string `mapstructure:"redirect_url"`
		// public (PKCE) client used by the docs page
		SwaggerClientID string `mapstructure:"swagger_client_id"`
	} `mapstructure:"auth"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Blob struct {
		Root          string        `mapstructure:"root"`
		Bucket        string        `mapstructure:"bucket"`
		SigningKey    string        `mapstructure:"signing_key"`
		PublicBaseURL string        `mapstructure:"public_base_url"`
		URLTTL        time.Duration `mapstructure:"url_ttl"`
	} `mapstructure:"blob"`
	Notify struct {
		Buffer   int    `mapstructure:"buffer"`
		AMQPURL  string `mapstructure:"amqp_url"`
		Exchange string `mapstructure:"exchange"`
	} `mapstructure:"notify"`
	Telemetry struct {
		ServiceName string `mapstructure:"service_name"`
	} `mapstructure:"telemetry"`
}

var defaults = map[string]any{
	"environment":            "PROD",
	"dev_mode_bypass":        false,
	"http.addr":              ":8080",
	"db.host":                "localhost",
	"db.port":                5432,
	"db.user":                "stageflow",
	"db.password":            "",
	"db.name":                "stageflow",
	"db.sslmode":             "disable",
	"db.max_conns":           10,
	"auth.okta_domain":       "",
	"auth.client_id":         "",
	"auth.client_secret":     "",
	"auth.redirect_url":      "",
	"auth.swagger_client_id": "",
	"tls.enable":             false,
	"tls.cert_file":          "",
	"tls.key_file":           "",
	"tls.hostnames":          []string{"localhost"},
	"log.level":              "info",
	"log.format":             "text",
	"blob.root":              "./data/blobs",
	"blob.bucket":            "documents",
	"blob.signing_key":       "",
	"blob.public_base_url":   "http://localhost:8080/blobs",
	"blob.url_ttl":           "10m",
	"notify.buffer":          64,
	"notify.amqp_url":        "",
	"notify.exchange":        "stageflow.changes",
	"telemetry.service_name": "stageflow",
}

// LoadConfig loads the configuration from config.yaml and the environment.
func LoadConfig() (*Config, error) {
	return Load("")
}

// Load reads file when given, otherwise searches for config.yaml in . and
// ./config. A missing search-path file is not an error; every key has a
// default and can be set from the environment (db.host -> DB_HOST).
func Load(file string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// normalize OKTA issuer url (strip trailing slash if any)
	config.Auth.OktaDomain = normalizeOktaIssuer(config.Auth.OktaDomain)

	return &config, nil
}

// IsDev reports whether the service runs in the DEV environment.
func (c *Config) IsDev() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "DEV")
}

// AuthBypass reports whether requests are authenticated as a development user.
func (c *Config) AuthBypass() bool {
	return c.IsDev() && c.DevModeBypass
}

// DatabaseURL renders the DB section as a libpq connection URL.
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.DB.Host, strconv.Itoa(c.DB.Port)),
		Path:   "/" + c.DB.Name,
	}
	if c.DB.Password != "" {
		u.User = url.UserPassword(c.DB.User, c.DB.Password)
	} else if c.DB.User != "" {
		u.User = url.User(c.DB.User)
	}
	q := url.Values{}
	if c.DB.SSLMode != "" {
		q.Set("sslmode", c.DB.SSLMode)
	}
	if c.DB.MaxConns > 0 {
		q.Set("pool_max_conns", strconv.Itoa(int(c.DB.MaxConns)))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// normalizeOktaIssuer ensures the provided Okta issuer string is in a
// predictable form. It removes any trailing slash and leaves the scheme and
// path intact.
func normalizeOktaIssuer(input string) string {
	return strings.TrimRight(strings.TrimSpace(input), "/")
}
