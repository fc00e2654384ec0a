// Package config implements TOML configuration loading, validation,
// and hot reload for shadowd. A loaded Config is immutable; reloads
// produce a fresh snapshot that consumers pick up through the Holder.
package config

import (
	"time"

	"github.com/edgefleet/shadowd/internal/shadow"
)

// Config is the top-level configuration parsed from a TOML file.
type Config struct {
	Database    DatabaseConfig   `toml:"database"`
	Cloud       CloudConfig      `toml:"cloud"`
	MQTT        MQTTConfig       `toml:"mqtt"`
	IPC         IPCConfig        `toml:"ipc"`
	Logging     LoggingConfig    `toml:"logging"`
	Synchronize SyncConfig       `toml:"synchronize"`
	RateLimits  RateLimitsConfig `toml:"rateLimits"`
}

// DatabaseConfig locates the local shadow store.
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// CloudConfig holds the shadow service endpoint and the client
// credentials used to authenticate outbound calls.
type CloudConfig struct {
	Endpoint     string `toml:"endpoint"`
	TokenURL     string `toml:"tokenUrl"`
	ClientID     string `toml:"clientId"`
	ClientSecret string `toml:"clientSecret"`
	ThingName    string `toml:"thingName"`
}

// MQTTConfig holds the broker connection settings for the cloud event
// stream. An empty broker URL disables the listener; the engine then
// relies on periodic reconciliation alone.
type MQTTConfig struct {
	BrokerURL string `toml:"brokerUrl"`
	ClientID  string `toml:"clientId"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
}

// IPCConfig holds the local request surface settings.
type IPCConfig struct {
	ListenAddr string `toml:"listenAddr"`
}

// LoggingConfig controls log output: level and format.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// SyncConfig selects which shadows sync, in which direction, and on
// what schedule.
type SyncConfig struct {
	Direction string `toml:"direction"`

	// CoreThing syncs the classic shadow of the device's own thing
	// (cloud.thingName) without listing it under shadowDocuments.
	CoreThing bool `toml:"coreThing"`

	ShadowDocuments []ShadowDocument `toml:"shadowDocuments"`
	Strategy        StrategyConfig   `toml:"strategy"`

	// ShadowDocumentSizeLimitBytes caps serialized documents accepted
	// over IPC. Zero applies the default; values above the hard
	// ceiling are rejected.
	ShadowDocumentSizeLimitBytes int `toml:"shadowDocumentSizeLimitBytes"`
}

// ShadowDocument names one thing's shadows to synchronize.
type ShadowDocument struct {
	ThingName   string   `toml:"thingName"`
	Classic     bool     `toml:"classic"`
	ShadowNames []string `toml:"shadowNames"`
}

// StrategyConfig selects the scheduling strategy.
type StrategyConfig struct {
	// Type is "realTime" or "periodic".
	Type string `toml:"type"`
	// DelaySeconds is the periodic drain interval.
	DelaySeconds int `toml:"delaySeconds"`
	// Workers is the real-time worker pool size.
	Workers int `toml:"workers"`
}

// RateLimitsConfig bounds engine traffic, all in requests per second.
type RateLimitsConfig struct {
	MaxOutboundSyncUpdatesPerSecond   int `toml:"maxOutboundSyncUpdatesPerSecond"`
	MaxTotalLocalRequestsRate         int `toml:"maxTotalLocalRequestsRate"`
	MaxLocalRequestsPerSecondPerThing int `toml:"maxLocalRequestsPerSecondPerThing"`
}

// Strategy type names.
const (
	StrategyRealTime = "realTime"
	StrategyPeriodic = "periodic"
)

// DefaultConfig returns a Config populated with every default value.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "shadowd.db"},
		IPC:      IPCConfig{ListenAddr: "127.0.0.1:8884"},
		Logging:  LoggingConfig{Level: "info", Format: "auto"},
		Synchronize: SyncConfig{
			Direction: "betweenDeviceAndCloud",
			Strategy:  StrategyConfig{Type: StrategyRealTime, DelaySeconds: 300},
		},
	}
}

// StrategyDelay returns the periodic interval as a duration.
func (c *Config) StrategyDelay() time.Duration {
	return time.Duration(c.Synchronize.Strategy.DelaySeconds) * time.Second
}

// SyncedKeys derives the full set of shadow keys to synchronize,
// de-duplicated, with the core thing's classic shadow included when
// configured.
func (c *Config) SyncedKeys() []shadow.Key {
	seen := make(map[shadow.Key]struct{})

	var keys []shadow.Key

	add := func(key shadow.Key) {
		if _, ok := seen[key]; ok {
			return
		}

		seen[key] = struct{}{}
		keys = append(keys, key)
	}

	if c.Synchronize.CoreThing && c.Cloud.ThingName != "" {
		add(shadow.NewKey(c.Cloud.ThingName, shadow.ClassicShadowName))
	}

	for _, doc := range c.Synchronize.ShadowDocuments {
		if doc.Classic {
			add(shadow.NewKey(doc.ThingName, shadow.ClassicShadowName))
		}

		for _, name := range doc.ShadowNames {
			add(shadow.NewKey(doc.ThingName, name))
		}
	}

	return keys
}
