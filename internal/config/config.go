// Package config loads service configuration from the environment (a .env
// file is honored when present) plus an optional YAML file for the bits that
// do not fit env vars well: schema column candidates and URL templates.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"vpnonboard/internal/xui"
)

// Defaults matching the original deployment.
const (
	DefaultDBPath        = "/etc/x-ui/x-ui.db"
	DefaultInboundPort   = 32062
	DefaultFlow          = "xtls-rprx-vision"
	DefaultOutputDir     = "/var/lib/vpn-onboard"
	DefaultLockFile      = "/var/lock/vpn-onboard-xui.lock"
	DefaultPendingFile   = "/var/lib/vpn-onboard/pending.json"
	DefaultPackageFile   = "/var/lib/vpn-onboard/package_files.json"
	DefaultLockWait      = 30 * time.Second
	DefaultCreateTimeout = 90 * time.Second
	DefaultListenAddr    = ":8787"

	// DefaultHiddifyBridgeTemplate points at the stock bridge page. Chat
	// clients refuse hiddify:// in buttons, so the bridge does the redirect.
	DefaultHiddifyBridgeTemplate = "http://{server}:25501/h-open?sub={sub_url_enc}&name=VPN-{email}"
)

// URLTemplates are the operator-configurable URL patterns rendered per
// client. Empty patterns disable the corresponding feature.
type URLTemplates struct {
	SubURL           string `yaml:"sub_url"`
	ClashSubURL      string `yaml:"clash_sub_url"`
	ClashBridgeURL   string `yaml:"clash_bridge_url"`
	HiddifyBridgeURL string `yaml:"hiddify_bridge_url"`
}

// Config is the full service configuration.
type Config struct {
	DBPath      string
	InboundPort int
	ServerHost  string
	Flow        string

	TemplateLink string // reference vless:// link (resolved from file or literal)

	OutputDir     string
	LockFile      string
	PendingFile   string
	PackageFile   string
	LockWait      time.Duration
	CreateTimeout time.Duration
	DedupWindow   time.Duration

	CreatorScript string // external creation helper; empty = mint in-process

	ListenAddr    string
	AdminAPIToken string
	Domain        string // enables autocert TLS when set
	ACMEEmail     string
	SentryDSN     string

	Templates URLTemplates
	Schema    *xui.Candidates // nil = built-in candidate lists
}

// fileConfig is the optional YAML file's shape.
type fileConfig struct {
	Schema    *xui.Candidates `yaml:"schema"`
	Templates URLTemplates    `yaml:"templates"`
	Creator   struct {
		Script string `yaml:"script"`
	} `yaml:"creator"`
}

// Load builds a Config from the environment and the optional YAML file named
// by ONBOARD_CONFIG_FILE (env values win over file values).
func Load() (*Config, error) {
	cfg := &Config{
		DBPath:        envOr("XUI_DB", DefaultDBPath),
		InboundPort:   DefaultInboundPort,
		ServerHost:    strings.TrimSpace(os.Getenv("XUI_SERVER_HOST")),
		Flow:          envOr("XUI_FLOW", DefaultFlow),
		OutputDir:     envOr("BOT_OUTPUT_DIR", DefaultOutputDir),
		LockFile:      envOr("BOT_LOCK_FILE", DefaultLockFile),
		PendingFile:   envOr("BOT_PENDING_FILE", DefaultPendingFile),
		PackageFile:   envOr("BOT_PACKAGE_FILE_MAP", DefaultPackageFile),
		LockWait:      DefaultLockWait,
		CreateTimeout: DefaultCreateTimeout,
		ListenAddr:    envOr("LISTEN_ADDR", DefaultListenAddr),
		AdminAPIToken: strings.TrimSpace(os.Getenv("ADMIN_API_TOKEN")),
		Domain:        strings.TrimSpace(os.Getenv("DOMAIN_NAME")),
		ACMEEmail:     strings.TrimSpace(os.Getenv("EMAIL")),
		SentryDSN:     strings.TrimSpace(os.Getenv("SENTRY_DSN")),
		Templates: URLTemplates{
			SubURL:           strings.TrimSpace(os.Getenv("XUI_SUB_URL_TEMPLATE")),
			ClashSubURL:      strings.TrimSpace(os.Getenv("XUI_CLASH_SUB_URL_TEMPLATE")),
			ClashBridgeURL:   strings.TrimSpace(os.Getenv("XUI_CLASH_BRIDGE_URL_TEMPLATE")),
			HiddifyBridgeURL: envOr("XUI_HIDDIFY_BRIDGE_URL_TEMPLATE", DefaultHiddifyBridgeTemplate),
		},
		CreatorScript: strings.TrimSpace(os.Getenv("ONBOARD_CREATOR_SCRIPT")),
	}

	var err error
	if cfg.InboundPort, err = envInt("XUI_INBOUND_PORT", DefaultInboundPort); err != nil {
		return nil, err
	}
	if cfg.LockWait, err = envSeconds("BOT_LOCK_WAIT_SECS", DefaultLockWait); err != nil {
		return nil, err
	}
	if cfg.CreateTimeout, err = envSeconds("BOT_CREATE_TIMEOUT_SECS", DefaultCreateTimeout); err != nil {
		return nil, err
	}
	if cfg.DedupWindow, err = envSeconds("BOT_DEDUP_WINDOW_SECS", 0); err != nil {
		return nil, err
	}

	if path := strings.TrimSpace(os.Getenv("ONBOARD_CONFIG_FILE")); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// applyFile overlays the YAML file onto cfg without clobbering values already
// set from the environment.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	c.Schema = fc.Schema
	if c.Templates.SubURL == "" {
		c.Templates.SubURL = strings.TrimSpace(fc.Templates.SubURL)
	}
	if c.Templates.ClashSubURL == "" {
		c.Templates.ClashSubURL = strings.TrimSpace(fc.Templates.ClashSubURL)
	}
	if c.Templates.ClashBridgeURL == "" {
		c.Templates.ClashBridgeURL = strings.TrimSpace(fc.Templates.ClashBridgeURL)
	}
	if strings.TrimSpace(fc.Templates.HiddifyBridgeURL) != "" && os.Getenv("XUI_HIDDIFY_BRIDGE_URL_TEMPLATE") == "" {
		c.Templates.HiddifyBridgeURL = strings.TrimSpace(fc.Templates.HiddifyBridgeURL)
	}
	if c.CreatorScript == "" {
		c.CreatorScript = strings.TrimSpace(fc.Creator.Script)
	}
	return nil
}

// TemplateLinkSource returns the configured template file path and literal
// link, in that precedence order.
func (c *Config) TemplateLinkSource() (filePath, direct string) {
	return strings.TrimSpace(os.Getenv("XUI_TEMPLATE_VLESS_FILE")),
		strings.TrimSpace(os.Getenv("XUI_TEMPLATE_VLESS_LINK"))
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("env %s must be an integer, got %q", key, v)
	}
	return n, nil
}

func envSeconds(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("env %s must be seconds, got %q", key, v)
	}
	return time.Duration(n * float64(time.Second)), nil
}
