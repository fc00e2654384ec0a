package config

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/edgefleet/shadowd/internal/shadow"
)

const (
	maxNameLength   = 128
	minDelaySeconds = 1
	maxSyncWorkers  = 64
)

// nameRe matches valid thing and shadow names.
var nameRe = regexp.MustCompile(`^[a-zA-Z0-9:_-]+$`)

var validDirections = map[string]bool{
	"betweenDeviceAndCloud": true,
	"deviceToCloud":         true,
	"cloudToDevice":         true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

// Validate checks all configuration values and returns all errors
// found. It accumulates every error rather than stopping at the
// first, so users see a complete report and can fix all issues in
// one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateSynchronize(&cfg.Synchronize)...)
	errs = append(errs, validateRateLimits(&cfg.RateLimits)...)

	if cfg.Synchronize.CoreThing && cfg.Cloud.ThingName == "" {
		errs = append(errs, errors.New("synchronize.coreThing: requires cloud.thingName"))
	}

	return errors.Join(errs...)
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.Level] {
		errs = append(errs, fmt.Errorf("logging.level: must be one of debug, info, warn, error; got %q", l.Level))
	}

	if !validLogFormats[l.Format] {
		errs = append(errs, fmt.Errorf("logging.format: must be one of auto, text, json; got %q", l.Format))
	}

	return errs
}

func validateSynchronize(s *SyncConfig) []error {
	var errs []error

	if !validDirections[s.Direction] {
		errs = append(errs, fmt.Errorf(
			"synchronize.direction: must be one of betweenDeviceAndCloud, deviceToCloud, cloudToDevice; got %q",
			s.Direction))
	}

	errs = append(errs, validateStrategy(&s.Strategy)...)

	if s.ShadowDocumentSizeLimitBytes < 0 || s.ShadowDocumentSizeLimitBytes > shadow.MaxSizeLimit {
		errs = append(errs, fmt.Errorf(
			"synchronize.shadowDocumentSizeLimitBytes: must be between 0 and %d, got %d",
			shadow.MaxSizeLimit, s.ShadowDocumentSizeLimitBytes))
	}

	for i := range s.ShadowDocuments {
		errs = append(errs, validateShadowDocument(i, &s.ShadowDocuments[i])...)
	}

	return errs
}

func validateStrategy(s *StrategyConfig) []error {
	var errs []error

	switch s.Type {
	case StrategyRealTime, StrategyPeriodic:
	default:
		errs = append(errs, fmt.Errorf(
			"synchronize.strategy.type: must be %q or %q, got %q",
			StrategyRealTime, StrategyPeriodic, s.Type))
	}

	if s.DelaySeconds < minDelaySeconds {
		errs = append(errs, fmt.Errorf(
			"synchronize.strategy.delaySeconds: must be >= %d, got %d",
			minDelaySeconds, s.DelaySeconds))
	}

	if s.Workers < 0 || s.Workers > maxSyncWorkers {
		errs = append(errs, fmt.Errorf(
			"synchronize.strategy.workers: must be between 0 and %d, got %d",
			maxSyncWorkers, s.Workers))
	}

	return errs
}

func validateShadowDocument(i int, doc *ShadowDocument) []error {
	var errs []error

	if err := validateName(fmt.Sprintf("synchronize.shadowDocuments[%d].thingName", i), doc.ThingName); err != nil {
		errs = append(errs, err)
	}

	if !doc.Classic && len(doc.ShadowNames) == 0 {
		errs = append(errs, fmt.Errorf(
			"synchronize.shadowDocuments[%d]: selects no shadows; set classic or list shadowNames", i))
	}

	for j, name := range doc.ShadowNames {
		field := fmt.Sprintf("synchronize.shadowDocuments[%d].shadowNames[%d]", i, j)
		if err := validateName(field, name); err != nil {
			errs = append(errs, err)
		}
	}

	return errs
}

func validateName(field, name string) error {
	if name == "" {
		return fmt.Errorf("%s: must not be empty", field)
	}

	if len(name) > maxNameLength {
		return fmt.Errorf("%s: exceeds %d characters", field, maxNameLength)
	}

	if !nameRe.MatchString(name) {
		return fmt.Errorf("%s: %q contains invalid characters", field, name)
	}

	return nil
}

func validateRateLimits(r *RateLimitsConfig) []error {
	var errs []error

	check := func(field string, v int) {
		if v < 0 {
			errs = append(errs, fmt.Errorf("rateLimits.%s: must be >= 0, got %d", field, v))
		}
	}

	check("maxOutboundSyncUpdatesPerSecond", r.MaxOutboundSyncUpdatesPerSecond)
	check("maxTotalLocalRequestsRate", r.MaxTotalLocalRequestsRate)
	check("maxLocalRequestsPerSecondPerThing", r.MaxLocalRequestsPerSecondPerThing)

	return errs
}
