package offlinecache

import (
	"net/url"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"

	"github.com/always-cache/offline-cache/notify"
	"github.com/always-cache/offline-cache/pkg/route"
)

// EnvPrefix is prepended to every environment variable read by LoadConfig.
const EnvPrefix = "OFFLINE_CACHE_"

// Config is built once at startup and passed by value to every component.
type Config struct {
	Settings `yaml:",inline"`

	Routes route.Rules `yaml:"routes"`
	// Pass-through submissions that get queued when the network is down.
	SyncRoutes   []SyncRoute         `yaml:"syncRoutes"`
	Notification notify.Notification `yaml:"notification"`
}

// Settings are the scalar keys, which can also be set from the environment.
type Settings struct {
	// URL of the origin server the worker fronts.
	Origin string `yaml:"origin" env:"ORIGIN"`
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string `yaml:"host" env:"ORIGIN_HOST"`
	Port       int    `yaml:"port" env:"PORT"`
	// Cache db file; "memory" keeps partitions in memory.
	CacheDB string `yaml:"cacheDb" env:"CACHE_DB"`
	// Sync queue db file; "memory" for an in-memory queue.
	QueueDB string `yaml:"queueDb" env:"QUEUE_DB"`

	// Version is baked into the partition names, bumping it
	// makes activation drop the partitions of the previous version.
	Version     string `yaml:"version" env:"VERSION"`
	StaticName  string `yaml:"staticName" env:"STATIC_NAME"`
	DynamicName string `yaml:"dynamicName" env:"DYNAMIC_NAME"`

	// URLs stored in the static partition at install, same-origin paths or absolute URLs.
	Precache []string `yaml:"precache" env:"PRECACHE" envSeparator:","`
	// Number of precache fetches running at the same time.
	InstallConcurrency int    `yaml:"installConcurrency" env:"INSTALL_CONCURRENCY"`
	OfflinePage        string `yaml:"offlinePage" env:"OFFLINE_PAGE"`

	// Periodic sync tag -> URL refreshed into the dynamic partition.
	PeriodicFetch map[string]string `yaml:"periodicFetch" env:"PERIODIC_FETCH"`
	// shoutrrr service URLs notifications are forwarded to.
	Notifiers []string `yaml:"notifiers" env:"NOTIFIERS" envSeparator:","`
	// Opened when a notification is clicked.
	OpenURL string `yaml:"openUrl" env:"OPEN_URL"`
}

// SyncRoute maps a path prefix of submissions to a background sync tag.
type SyncRoute struct {
	Prefix string `yaml:"prefix"`
	Tag    string `yaml:"tag"`
}

const (
	TagSyncReports  = "background-sync-reports"
	TagSyncPhotos   = "background-sync-photos"
	TagFetchReports = "background-fetch-reports"
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		Settings: Settings{
			Port:        8080,
			CacheDB:     "cache.db",
			QueueDB:     "queue.db",
			Version:     "v1.2.0",
			StaticName:  "elp-static",
			DynamicName: "elp-dynamic",
			Precache: []string{
				"/",
				"/login",
				"/dashboard",
				"/projects",
				"/reports",
				"/contacts",
				"/static/css/style.css",
				"/static/js/app.js",
				"/static/js/pwa.js",
				"/static/js/geolocation.js",
				"/static/manifest.json",
				"https://cdn.jsdelivr.net/npm/bootstrap@5.3.0/dist/css/bootstrap.min.css",
				"https://cdn.jsdelivr.net/npm/bootstrap@5.3.0/dist/js/bootstrap.bundle.min.js",
				"https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.4.0/css/all.min.css",
				"https://cdnjs.cloudflare.com/ajax/libs/jspdf/2.5.1/jspdf.umd.min.js",
			},
			InstallConcurrency: 4,
			OfflinePage:        "/offline.html",
			PeriodicFetch: map[string]string{
				TagFetchReports: "/api/reports/latest",
			},
			OpenURL: "/dashboard",
		},
		Routes: route.DefaultRules(),
		SyncRoutes: []SyncRoute{
			{Prefix: "/reports/create", Tag: TagSyncReports},
			{Prefix: "/upload_photo/", Tag: TagSyncPhotos},
		},
		Notification: notify.Defaults(),
	}
}

// LoadConfig reads the config file (if any) over the defaults
// and then applies OFFLINE_CACHE_* environment variables.
func LoadConfig(filename string) (Config, error) {
	config := DefaultConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, errors.Wrapf(err, errors.CodeInvalidConfig, "Could not read config file %s", filename)
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, errors.Wrapf(err, errors.CodeInvalidConfig, "Could not parse config file %s", filename)
		}
	}
	if err := env.ParseWithOptions(&config.Settings, env.Options{Prefix: EnvPrefix}); err != nil {
		return config, errors.Wrap(err, errors.CodeInvalidConfig, "Could not parse environment")
	}
	if err := env.ParseWithOptions(&config.Routes, env.Options{Prefix: EnvPrefix + "ROUTES_"}); err != nil {
		return config, errors.Wrap(err, errors.CodeInvalidConfig, "Could not parse environment")
	}
	return config, nil
}

// Validate checks the settings the worker cannot run without.
func (c Config) Validate() error {
	origin, err := url.Parse(c.Origin)
	if err != nil || !origin.IsAbs() || origin.Host == "" {
		return errors.Newf(errors.CodeInvalidConfig, "Origin must be an absolute URL, got %q", c.Origin)
	}
	if origin.Scheme != "http" && origin.Scheme != "https" {
		return errors.Newf(errors.CodeInvalidConfig, "Origin scheme must be http or https, got %q", origin.Scheme)
	}
	if origin.Path != "" && origin.Path != "/" {
		return errors.New(errors.CodeInvalidConfig, "Origins with paths are not supported")
	}
	if strings.TrimSpace(c.Version) == "" {
		return errors.New(errors.CodeInvalidConfig, "Version must not be empty")
	}
	if c.StaticName == "" || c.DynamicName == "" {
		return errors.New(errors.CodeInvalidConfig, "Cache names must not be empty")
	}
	if c.StaticName == c.DynamicName {
		return errors.New(errors.CodeInvalidConfig, "Static and dynamic cache names must differ")
	}
	for _, sr := range c.SyncRoutes {
		if sr.Prefix == "" || sr.Tag == "" {
			return errors.New(errors.CodeInvalidConfig, "Sync routes need a prefix and a tag")
		}
	}
	return nil
}

// OriginURL returns the parsed origin; call Validate first.
func (c Config) OriginURL() *url.URL {
	u, _ := url.Parse(c.Origin)
	return u
}

func (c Config) StaticCacheName() string {
	return c.StaticName + "-" + c.Version
}

func (c Config) DynamicCacheName() string {
	return c.DynamicName + "-" + c.Version
}

// CurrentCacheNames are the partitions that survive activation.
func (c Config) CurrentCacheNames() []string {
	return []string{c.StaticCacheName(), c.DynamicCacheName()}
}

// SyncTagFor returns the background sync tag for a submission path, if it has one.
func (c Config) SyncTagFor(path string) (string, bool) {
	for _, sr := range c.SyncRoutes {
		if strings.HasPrefix(path, sr.Prefix) {
			return sr.Tag, true
		}
	}
	return "", false
}
