// Package views holds the settings the dashboard front-end build reads at
// startup: the packages its build tool must transpile and the dev-server
// proxy rules that forward API calls to the dashboard backend.
package views

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultAPIPrefix is the path prefix served by the dashboard API.
	DefaultAPIPrefix = "/api"
	// DefaultAPITarget is the dashboard backend address used in development.
	DefaultAPITarget = "http://localhost:12345"
)

var (
	// ErrInvalidTarget is returned when a proxy target is not an origin URL.
	ErrInvalidTarget = errors.New("proxy target must be an http(s) origin URL")
	// ErrInvalidPrefix is returned when a proxy path prefix does not start with "/".
	ErrInvalidPrefix = errors.New("proxy path prefix must start with /")
	// ErrEmptyDependency is returned for a blank transpile dependency name.
	ErrEmptyDependency = errors.New("transpile dependency name must not be empty")
	// ErrNotObject is returned when the encoded settings are not a single object.
	ErrNotObject = errors.New("views settings must be a single object")
)

// Settings is the front-end build configuration record.
type Settings struct {
	TranspileDependencies []string  `json:"transpileDependencies" yaml:"transpile_dependencies"`
	DevServer             DevServer `json:"devServer" yaml:"dev_server"`
}

// DevServer configures the front-end development server.
type DevServer struct {
	Proxy map[string]ProxyRule `json:"proxy" yaml:"proxy"`
}

// ProxyRule forwards requests matching a path prefix to Target. With
// ChangeOrigin the forwarded Host header is rewritten to the target host.
type ProxyRule struct {
	Target       string `json:"target" yaml:"target"`
	ChangeOrigin bool   `json:"changeOrigin" yaml:"change_origin"`
}

// Default returns the settings used by the dashboard front-end.
func Default() Settings {
	return Settings{
		TranspileDependencies: []string{"vuetify"},
		DevServer: DevServer{
			Proxy: map[string]ProxyRule{
				DefaultAPIPrefix: {
					Target:       DefaultAPITarget,
					ChangeOrigin: true,
				},
			},
		},
	}
}

// Parse decodes and validates the JSON form of the settings. The input must
// hold exactly one JSON object.
func Parse(data []byte) (Settings, error) {
	if trimmed := bytes.TrimSpace(data); len(trimmed) == 0 || trimmed[0] != '{' {
		return Settings{}, ErrNotObject
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var s Settings
	if err := dec.Decode(&s); err != nil {
		return Settings{}, fmt.Errorf("parse views settings: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Settings{}, fmt.Errorf("parse views settings: %w: trailing data", ErrNotObject)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// ParseYAML decodes and validates the YAML form of the settings. Unknown
// keys are rejected.
func ParseYAML(data []byte) (Settings, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Settings{}, fmt.Errorf("parse views settings: %w", err)
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return Settings{}, ErrNotObject
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var s Settings
	if err := dec.Decode(&s); err != nil {
		return Settings{}, fmt.Errorf("parse views settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Encode returns the indented JSON form of the settings.
func (s Settings) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(s.normalized(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode views settings: %w", err)
	}
	return append(data, '\n'), nil
}

// EncodeYAML returns the YAML form of the settings.
func (s Settings) EncodeYAML() ([]byte, error) {
	data, err := yaml.Marshal(s.normalized())
	if err != nil {
		return nil, fmt.Errorf("encode views settings: %w", err)
	}
	return data, nil
}

// Validate checks every dependency name, path prefix and proxy target.
func (s Settings) Validate() error {
	for _, dep := range s.TranspileDependencies {
		if strings.TrimSpace(dep) == "" {
			return ErrEmptyDependency
		}
	}
	for prefix, rule := range s.DevServer.Proxy {
		if !strings.HasPrefix(prefix, "/") {
			return fmt.Errorf("%w: %q", ErrInvalidPrefix, prefix)
		}
		if err := validateOrigin(rule.Target); err != nil {
			return fmt.Errorf("proxy %s: %w", prefix, err)
		}
	}
	return nil
}

// Match returns the rule with the longest prefix matching path.
func (s Settings) Match(path string) (string, ProxyRule, bool) {
	var (
		best string
		rule ProxyRule
		ok   bool
	)
	for prefix, r := range s.DevServer.Proxy {
		if !strings.HasPrefix(path, prefix) || len(prefix) <= len(best) && ok {
			continue
		}
		best, rule, ok = prefix, r, true
	}
	return best, rule, ok
}

// Prefixes returns the sorted proxy path prefixes.
func (s Settings) Prefixes() []string {
	prefixes := make([]string, 0, len(s.DevServer.Proxy))
	for prefix := range s.DevServer.Proxy {
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)
	return prefixes
}

// Clone returns a deep copy of s.
func (s Settings) Clone() Settings {
	out := Settings{
		TranspileDependencies: append([]string(nil), s.TranspileDependencies...),
	}
	if s.DevServer.Proxy != nil {
		out.DevServer.Proxy = make(map[string]ProxyRule, len(s.DevServer.Proxy))
		for k, v := range s.DevServer.Proxy {
			out.DevServer.Proxy[k] = v
		}
	}
	return out
}

// normalized replaces nil collections so the encoded form always carries both fields.
func (s Settings) normalized() Settings {
	out := s.Clone()
	if out.TranspileDependencies == nil {
		out.TranspileDependencies = []string{}
	}
	if out.DevServer.Proxy == nil {
		out.DevServer.Proxy = map[string]ProxyRule{}
	}
	return out
}

// TargetURL returns the parsed target of the rule.
func (r ProxyRule) TargetURL() (*url.URL, error) {
	if err := validateOrigin(r.Target); err != nil {
		return nil, err
	}
	return url.Parse(r.Target)
}

func validateOrigin(target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTarget, u.Scheme)
	}
	if u.Host == "" || u.Hostname() == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidTarget)
	}
	if u.User != nil || (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("%w: %q is not an origin", ErrInvalidTarget, target)
	}
	return nil
}
