package route

import (
	"strings"
)

// Strategy is the request handling algorithm selected for a path.
type Strategy int

const (
	StaleWhileRevalidate Strategy = iota
	NetworkFirst
	CacheFirst
)

func (s Strategy) String() string {
	switch s {
	case NetworkFirst:
		return "network-first"
	case CacheFirst:
		return "cache-first"
	default:
		return "stale-while-revalidate"
	}
}

// Rules are the prefix and suffix tables the classifier works from.
type Rules struct {
	// Paths starting with any of these always go to the network first.
	NetworkFirst []string `yaml:"networkFirst" env:"NETWORK_FIRST" envSeparator:","`
	// Paths starting with this prefix are static assets.
	StaticPrefix string `yaml:"staticPrefix" env:"STATIC_PREFIX"`
	// Paths ending with any of these are static assets.
	StaticSuffixes []string `yaml:"staticSuffixes" env:"STATIC_SUFFIXES" envSeparator:","`
}

func DefaultRules() Rules {
	return Rules{
		NetworkFirst: []string{
			"/api/",
			"/reports/create",
			"/projects/create",
			"/contacts/create",
			"/upload_photo/",
			"/logout",
		},
		StaticPrefix: "/static/",
		StaticSuffixes: []string{
			".css",
			".js",
			".png",
			".jpg",
			".svg",
			".woff",
			".woff2",
		},
	}
}

// Classifier maps request paths to strategies.
// The tables are copied on construction and never change afterwards.
type Classifier struct {
	rules Rules
}

func NewClassifier(rules Rules) Classifier {
	return Classifier{
		rules: Rules{
			NetworkFirst:   append([]string(nil), rules.NetworkFirst...),
			StaticPrefix:   rules.StaticPrefix,
			StaticSuffixes: append([]string(nil), rules.StaticSuffixes...),
		},
	}
}

// Classify picks the strategy for a path.
// Network-first prefixes are checked before static asset rules, so an API path
// ending in e.g. ".js" still goes to the network first.
func (c Classifier) Classify(path string) Strategy {
	if c.IsNetworkFirst(path) {
		return NetworkFirst
	}
	if c.IsStaticAsset(path) {
		return CacheFirst
	}
	return StaleWhileRevalidate
}

func (c Classifier) IsNetworkFirst(path string) bool {
	for _, prefix := range c.rules.NetworkFirst {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (c Classifier) IsStaticAsset(path string) bool {
	if c.rules.StaticPrefix != "" && strings.HasPrefix(path, c.rules.StaticPrefix) {
		return true
	}
	for _, suffix := range c.rules.StaticSuffixes {
		if suffix != "" && strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

// Rules returns a copy of the tables the classifier was built from.
func (c Classifier) Rules() Rules {
	return NewClassifier(c.rules).rules
}
