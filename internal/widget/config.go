// Package widget parses the bootstrap configuration a host page passes to the widget through the data
// attributes of its script tag.
package widget

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Config is the presentation of one widget instance.
type Config struct {
	FallbackURL string
	CSSURL      string
	Title       string
	Greeting    string
	Placeholder string
	Styles      map[string]string
}

// ErrInvalidConfig is returned when a required value is missing or malformed. The widget is not mounted.
var ErrInvalidConfig = errors.New("invalid widget configuration")

// Attribute names read from the script tag. data-telegram-url is kept as an alias of data-fallback-url for
// pages embedding the first version of the loader.
const (
	AttrFallbackURL = "data-fallback-url"
	AttrTelegramURL = "data-telegram-url"
	AttrCSSURL      = "data-css-url"
	AttrTitle       = "data-title"
	AttrGreeting    = "data-greeting"
	AttrPlaceholder = "data-placeholder"
	AttrStyles      = "data-styles"
)

var (
	customPropertyRe = regexp.MustCompile(`^--[A-Za-z0-9_-]+$`)
	unsafeValueRe    = regexp.MustCompile(`[;{}<>"'\\\r\n]`)
)

// ParseAttributes builds the configuration of an instance from the script tag attributes, falling back to
// defaults for every attribute that is absent. The fallback URL is required and must be an absolute http or
// https URL. In strict mode, a style override that is not a custom property is an error instead of being
// dropped with a warning.
func ParseAttributes(attrs map[string]string, defaults Config, strict bool, logger *slog.Logger) (Config, error) {
	cfg := defaults

	if v := firstNonEmpty(attrs[AttrFallbackURL], attrs[AttrTelegramURL]); v != "" {
		cfg.FallbackURL = v
	}
	if v := strings.TrimSpace(attrs[AttrCSSURL]); v != "" {
		cfg.CSSURL = v
	}
	if v := strings.TrimSpace(attrs[AttrTitle]); v != "" {
		cfg.Title = v
	}
	if v := strings.TrimSpace(attrs[AttrGreeting]); v != "" {
		cfg.Greeting = v
	}
	if v := strings.TrimSpace(attrs[AttrPlaceholder]); v != "" {
		cfg.Placeholder = v
	}

	if err := validateLinkURL(cfg.FallbackURL); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, AttrFallbackURL, err)
	}
	if cfg.CSSURL != "" {
		if err := validateLinkURL(cfg.CSSURL); err != nil {
			return Config{}, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, AttrCSSURL, err)
		}
	}

	styles := make(map[string]string, len(defaults.Styles))
	for k, v := range defaults.Styles {
		styles[k] = v
	}
	if raw := strings.TrimSpace(attrs[AttrStyles]); raw != "" {
		var overrides map[string]string
		if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
			if strict {
				return Config{}, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, AttrStyles, err)
			}
			logger.Warn("Ignoring unreadable style overrides", slog.String("error", err.Error()))
		}
		for k, v := range overrides {
			styles[k] = v
		}
	}

	filtered, err := FilterStyles(styles, strict, logger)
	if err != nil {
		return Config{}, err
	}
	cfg.Styles = filtered

	return cfg, nil
}

// FilterStyles keeps the style overrides whose key is a CSS custom property name and whose value cannot
// escape a declaration. Other entries are dropped with a warning, or rejected in strict mode. Dropped
// entries are never applied.
func FilterStyles(styles map[string]string, strict bool, logger *slog.Logger) (map[string]string, error) {
	filtered := make(map[string]string, len(styles))
	for _, k := range sortedKeys(styles) {
		v := strings.TrimSpace(styles[k])
		switch {
		case !customPropertyRe.MatchString(k):
			if strict {
				return nil, fmt.Errorf("%w: style key %q is not a custom property", ErrInvalidConfig, k)
			}
			logger.Warn("Dropping style override that is not a custom property", slog.String("key", k))
		case v == "" || unsafeValueRe.MatchString(v):
			if strict {
				return nil, fmt.Errorf("%w: style value of %q is not allowed", ErrInvalidConfig, k)
			}
			logger.Warn("Dropping style override with unsafe value", slog.String("key", k))
		default:
			filtered[k] = v
		}
	}
	return filtered, nil
}

// StyleDeclarations renders the style overrides as CSS declarations, sorted by property name. The
// overrides must have gone through FilterStyles.
func (c Config) StyleDeclarations() template.CSS {
	var sb strings.Builder
	for _, k := range sortedKeys(c.Styles) {
		fmt.Fprintf(&sb, "%s: %s;", k, c.Styles[k])
	}
	// Keys and values were checked by FilterStyles.
	return template.CSS(sb.String())
}

func validateLinkURL(raw string) error {
	if raw == "" {
		return errors.New("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q is not allowed", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is required")
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
