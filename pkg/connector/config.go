// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

//go:embed example-config.yaml
var ExampleConfig string

// DefaultSpamBlocklist drops known spam campaigns sent as direct messages.
var DefaultSpamBlocklist = []string{
	"/fediversechick/",
	"https://discord.gg/83CnebyzXh",
	"https://matrix.to/#/#nicoles_place:matrix.org",
}

const DefaultDisplaynameTemplate = `{{if .Bot}}[BOT] {{end}}{{if .DisplayName}}{{.DisplayName}} (@{{.Acct}}){{else}}{{.Acct}}{{end}}`

// Config is the bridge configuration file.
type Config struct {
	Homeserver HomeserverConfig `yaml:"homeserver"`
	Database   DatabaseConfig   `yaml:"database"`
	Mastodon   MastodonConfig   `yaml:"mastodon"`
	Poller     PollerConfig     `yaml:"poller"`

	DisplaynameTemplate string   `yaml:"displayname_template"`
	SpamBlocklist       []string `yaml:"spam_blocklist"`
	// EncryptionKey is a base64 XChaCha20-Poly1305 key used to seal tokens
	// at rest. Empty stores them in plain text.
	EncryptionKey string `yaml:"encryption_key"`
	// AdminAPIAddr is the listen address of the admin HTTP API. Empty
	// disables it.
	AdminAPIAddr string `yaml:"admin_api_addr"`

	Logging zeroconfig.Config `yaml:"logging"`

	displaynameTemplate *template.Template `yaml:"-"`
}

type HomeserverConfig struct {
	URL         string    `yaml:"url"`
	UserID      id.UserID `yaml:"user_id"`
	AccessToken string    `yaml:"access_token"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type MastodonConfig struct {
	ClientName        string        `yaml:"client_name"`
	Website           string        `yaml:"website"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	// FetchLimit is the page size of every timeline request.
	FetchLimit int `yaml:"fetch_limit"`
}

type PollerConfig struct {
	// Interval is the target time between the start of two sweeps. A sweep
	// that overruns it is still followed by a short pause.
	Interval  time.Duration `yaml:"interval"`
	UnitDelay time.Duration `yaml:"unit_delay"`
	// BreakerThreshold is the number of consecutive transient failures on
	// one instance after which its remaining accounts wait for next sweep.
	BreakerThreshold int `yaml:"breaker_threshold"`
}

// DisplaynameParams holds the parameters for rendering the displayname template.
type DisplaynameParams struct {
	DisplayName string
	Username    string
	Acct        string
	Bot         bool
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess fills in defaults and compiles the displayname template.
func (c *Config) PostProcess() error {
	if c.Database.Path == "" {
		c.Database.Path = "mautrix-mastodon.db"
	}
	if c.Mastodon.ClientName == "" {
		c.Mastodon.ClientName = "Matrix Bridge"
	}
	if c.Mastodon.RequestTimeout <= 0 {
		c.Mastodon.RequestTimeout = 10 * time.Second
	}
	if c.Mastodon.FetchLimit <= 0 {
		c.Mastodon.FetchLimit = 100
	}
	if c.Poller.Interval <= 0 {
		c.Poller.Interval = time.Minute
	}
	if c.Poller.UnitDelay < 0 {
		c.Poller.UnitDelay = 0
	}
	if c.Poller.BreakerThreshold <= 0 {
		c.Poller.BreakerThreshold = 3
	}
	if c.SpamBlocklist == nil {
		c.SpamBlocklist = DefaultSpamBlocklist
	}
	if c.DisplaynameTemplate == "" {
		c.DisplaynameTemplate = DefaultDisplaynameTemplate
	}
	var err error
	c.displaynameTemplate, err = template.New("displayname").Parse(c.DisplaynameTemplate)
	if err != nil {
		return fmt.Errorf("invalid displayname_template: %w", err)
	}
	return nil
}

// Validate checks the settings that have no usable default.
func (c *Config) Validate() error {
	if c.Homeserver.URL == "" || c.Homeserver.UserID == "" || c.Homeserver.AccessToken == "" {
		return fmt.Errorf("homeserver url, user_id and access_token are required")
	}
	return nil
}

// LoadConfig reads and post-processes the YAML file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err = cfg.PostProcess(); err != nil {
		return nil, err
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FormatDisplayname generates a display name from the template and params.
func (c *Config) FormatDisplayname(params DisplaynameParams) string {
	if c.displaynameTemplate == nil {
		return params.Acct
	}
	var buf strings.Builder
	if err := c.displaynameTemplate.Execute(&buf, params); err != nil {
		return params.Acct
	}
	return buf.String()
}
