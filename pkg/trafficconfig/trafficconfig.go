// Package trafficconfig compiles the config table's traffic, mapping,
// endpoint, and proxy rows into an immutable, atomically-swapped snapshot
// (spec §4.2 "Traffic Config Cache"). All hot-path reads are lock-free
// pointer loads; refreshes compile a brand new Snapshot off to the side
// and swap it in atomically, so a reader never observes a half-updated
// rule set.
package trafficconfig

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fihtony/dproxy/pkg/store"
)

// MonitorRule is the spec §3 "Monitor" tuple: a request is monitored only
// when the value at Key in Source ("header"|"query") case-insensitively
// matches Pattern.
type MonitorRule struct {
	Source  string `json:"source"` // "header" | "query"
	Key     string `json:"key"`
	Pattern string `json:"pattern"`

	compiled *regexp.Regexp
}

// DomainRule records whether a monitored domain should be dialed over
// TLS (secure=true) or plaintext when the forwarder composes the
// upstream URL.
type DomainRule struct {
	Host   string `json:"host"`
	Secure bool   `json:"secure"`
}

// MappingRule extracts a named dimension (app_version, app_platform, …)
// from a header or query parameter on the inbound request.
type MappingRule struct {
	Field  string `json:"field"` // "app_version" | "app_platform" | "app_environment" | "app_language" | "user_id"
	Source string `json:"source"` // "header" | "query"
	Name   string `json:"name"`   // header or query parameter name
}

// EndpointRule classifies request paths into an endpoint type, in
// priority order; the first matching rule wins.
type EndpointRule struct {
	Name     string   `json:"name"`
	Patterns []string `json:"patterns"`
	Priority int      `json:"priority"`

	compiled []*regexp.Regexp
}

// ReplayLatencyRule configures replay-mode latency shaping for requests
// matching a host/path pattern (spec §4.9 "Latency shaping").
type ReplayLatencyRule struct {
	Host    string `json:"host"`
	Pattern string `json:"pattern"`
	Mode    string `json:"mode"` // "instant" | "average" | "fixed" | "random"
	FixedMs int    `json:"fixedMs"`
	MinMs   int    `json:"minMs"`
	MaxMs   int    `json:"maxMs"`

	compiled *regexp.Regexp
}

// trafficConfig is the decoded shape of the config table's "traffic" row.
type trafficConfig struct {
	Enabled bool        `json:"enabled"`
	Monitor MonitorRule `json:"monitor"`
	Domains []DomainRule `json:"domains"`
}

// mappingConfig is the decoded shape of the "mapping" row.
type mappingConfig struct {
	Rules []MappingRule `json:"rules"`
}

// endpointConfig is the decoded shape of the "endpoint" row.
type endpointConfig struct {
	Rules          []EndpointRule `json:"rules"`
	DefaultType    string         `json:"defaultType"`
}

// SessionCreateRule declares that a matching request mints a brand-new
// session (spec §4.8 "Creation triggers"): the identifier is extracted
// from Source ("body"|"header"|"query") at Key, optionally narrowed to
// Pattern's first capture group.
type SessionCreateRule struct {
	Endpoint string `json:"endpoint"`
	Method   string `json:"method"`
	Source   string `json:"source"`
	Key      string `json:"key"`
	Pattern  string `json:"pattern"`

	compiled   *regexp.Regexp
	endpointRe *regexp.Regexp
}

// SessionUpdateRule declares that a matching response carries a new
// upstream session cookie or bearer token to absorb into the session row
// (spec §4.8 "Update triggers"). Type "cookie" reads Source/Key from the
// response's Set-Cookie headers; type "auth" reads a response body path.
type SessionUpdateRule struct {
	Endpoint string `json:"endpoint"`
	Method   string `json:"method"`
	Type     string `json:"type"` // "cookie" | "auth"
	Source   string `json:"source"`
	Key      string `json:"key"`
	Pattern  string `json:"pattern"`

	compiled    *regexp.Regexp
	endpointRe  *regexp.Regexp
}

// proxyConfig is the decoded shape of the "proxy" row.
type proxyConfig struct {
	ReplayLatency []ReplayLatencyRule `json:"replayLatency"`
	SessionCreate []SessionCreateRule `json:"sessionCreateRules"`
	SessionUpdate []SessionUpdateRule `json:"sessionUpdateRules"`
}

// Snapshot is one immutable, fully-compiled view of the traffic
// configuration. A Cache never mutates a Snapshot in place; refreshAll
// builds a new one and swaps it in.
type Snapshot struct {
	enabled bool
	monitor *MonitorRule
	domains map[string]DomainRule
	mapping      []MappingRule
	endpoints    []EndpointRule
	defaultType  string
	replay       []ReplayLatencyRule
	sessionCreate []SessionCreateRule
	sessionUpdate []SessionUpdateRule

	loadedAt time.Time
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		enabled:     false,
		domains:     make(map[string]DomainRule),
		defaultType: "public",
		loadedAt:    time.Time{},
	}
}

// Cache is the atomically-swapped traffic config cache.
type Cache struct {
	store   store.RecordStore
	logger  *slog.Logger
	current atomic.Pointer[Snapshot]
}

// New creates a Cache backed by s, seeded with an empty (monitoring
// disabled) snapshot until the first RefreshAll call.
func New(s store.RecordStore, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{store: s, logger: logger}
	c.current.Store(emptySnapshot())
	return c
}

// RefreshAll reloads all four config rows, compiles a new Snapshot, and
// atomically swaps it in. Invalid individual rules are logged and
// skipped; a config row that fails to parse entirely falls back to the
// previous snapshot's corresponding section rather than going fatal
// (spec §7 "Configuration errors").
func (c *Cache) RefreshAll(ctx context.Context) error {
	prev := c.current.Load()
	next := &Snapshot{
		domains:     make(map[string]DomainRule),
		defaultType: prev.defaultType,
		loadedAt:    time.Now(),
	}

	if row, err := c.store.GetConfig(ctx, store.ConfigTypeTraffic); err == nil && row != nil {
		var tc trafficConfig
		if err := json.Unmarshal(row.Config, &tc); err != nil {
			c.logger.Warn("traffic config row invalid, keeping previous", "error", err)
			next.enabled = prev.enabled
			next.monitor = prev.monitor
			for h, d := range prev.domains {
				next.domains[h] = d
			}
		} else {
			next.enabled = tc.Enabled
			if tc.Monitor.Pattern == "" {
				c.logger.Warn("traffic config has no monitor pattern; no request will be treated as monitored")
			} else if re, err := regexp.Compile("(?i)" + tc.Monitor.Pattern); err != nil {
				c.logger.Warn("skipping invalid monitor rule pattern", "pattern", tc.Monitor.Pattern, "error", err)
			} else {
				mr := tc.Monitor
				mr.compiled = re
				next.monitor = &mr
			}
			for _, d := range tc.Domains {
				next.domains[strings.ToLower(d.Host)] = d
			}
		}
	} else {
		next.enabled = prev.enabled
		next.monitor = prev.monitor
		for h, d := range prev.domains {
			next.domains[h] = d
		}
	}

	if row, err := c.store.GetConfig(ctx, store.ConfigTypeMapping); err == nil && row != nil {
		var mc mappingConfig
		if err := json.Unmarshal(row.Config, &mc); err != nil {
			c.logger.Warn("mapping config row invalid, keeping previous", "error", err)
			next.mapping = prev.mapping
		} else {
			next.mapping = mc.Rules
		}
	} else {
		next.mapping = prev.mapping
	}

	if row, err := c.store.GetConfig(ctx, store.ConfigTypeEndpoint); err == nil && row != nil {
		var ec endpointConfig
		if err := json.Unmarshal(row.Config, &ec); err != nil {
			c.logger.Warn("endpoint config row invalid, keeping previous", "error", err)
			next.endpoints = prev.endpoints
			next.defaultType = prev.defaultType
		} else {
			for i := range ec.Rules {
				rule := ec.Rules[i]
				for _, p := range rule.Patterns {
					re, err := compilePattern(p)
					if err != nil {
						c.logger.Warn("skipping invalid endpoint pattern", "pattern", p, "error", err)
						continue
					}
					rule.compiled = append(rule.compiled, re)
				}
				next.endpoints = append(next.endpoints, rule)
			}
			if ec.DefaultType != "" {
				next.defaultType = ec.DefaultType
			} else {
				next.defaultType = "public"
			}
		}
	} else {
		next.endpoints = prev.endpoints
	}

	if row, err := c.store.GetConfig(ctx, store.ConfigTypeProxy); err == nil && row != nil {
		var pc proxyConfig
		if err := json.Unmarshal(row.Config, &pc); err != nil {
			c.logger.Warn("proxy config row invalid, keeping previous", "error", err)
			next.replay = prev.replay
			next.sessionCreate = prev.sessionCreate
			next.sessionUpdate = prev.sessionUpdate
		} else {
			for i := range pc.ReplayLatency {
				rule := pc.ReplayLatency[i]
				if rule.Pattern != "" {
					re, err := compilePattern(rule.Pattern)
					if err != nil {
						c.logger.Warn("skipping invalid replay latency pattern", "pattern", rule.Pattern, "error", err)
						continue
					}
					rule.compiled = re
				}
				next.replay = append(next.replay, rule)
			}
			for i := range pc.SessionCreate {
				rule := pc.SessionCreate[i]
				if rule.Pattern != "" {
					if re, err := regexp.Compile(rule.Pattern); err == nil {
						rule.compiled = re
					} else {
						c.logger.Warn("skipping invalid session create rule pattern", "pattern", rule.Pattern, "error", err)
						continue
					}
				}
				if re, err := compilePattern(rule.Endpoint); err == nil {
					rule.endpointRe = re
				} else {
					c.logger.Warn("skipping invalid session create rule endpoint", "endpoint", rule.Endpoint, "error", err)
					continue
				}
				next.sessionCreate = append(next.sessionCreate, rule)
			}
			for i := range pc.SessionUpdate {
				rule := pc.SessionUpdate[i]
				if rule.Pattern != "" {
					if re, err := regexp.Compile(rule.Pattern); err == nil {
						rule.compiled = re
					} else {
						c.logger.Warn("skipping invalid session update rule pattern", "pattern", rule.Pattern, "error", err)
						continue
					}
				}
				if re, err := compilePattern(rule.Endpoint); err == nil {
					rule.endpointRe = re
				} else {
					c.logger.Warn("skipping invalid session update rule endpoint", "endpoint", rule.Endpoint, "error", err)
					continue
				}
				next.sessionUpdate = append(next.sessionUpdate, rule)
			}
		}
	} else {
		next.replay = prev.replay
		next.sessionCreate = prev.sessionCreate
		next.sessionUpdate = prev.sessionUpdate
	}

	sortByPriorityAsc(next.endpoints)

	c.current.Store(next)
	return nil
}

// sortByPriorityAsc orders endpoint classification rules by ascending
// priority: spec §4.10 "iterates endpoint types in priority order (lower
// value = higher)".
func sortByPriorityAsc(rules []EndpointRule) {
	for i := 1; i < len(rules); i++ {
		j := i
		for j > 0 && rules[j-1].Priority > rules[j].Priority {
			rules[j-1], rules[j] = rules[j], rules[j-1]
			j--
		}
	}
}

// compilePattern compiles a host/path pattern. Patterns containing only
// "*" and ":param" segments are treated as globs and translated to
// anchored regexes; anything else is compiled as a case-insensitive
// regex directly (spec §4.7 "regex flag").
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if strings.ContainsAny(pattern, "(){}[]^$+|\\") {
		return regexp.Compile("(?i)" + pattern)
	}
	return regexp.Compile("(?i)^" + globToRegex(pattern) + "$")
}

func globToRegex(glob string) string {
	var b strings.Builder
	segments := strings.Split(glob, "/")
	for i, seg := range segments {
		if i > 0 {
			b.WriteByte('/')
		}
		if strings.HasPrefix(seg, ":") {
			b.WriteString(`[^/]+`)
			continue
		}
		for _, r := range seg {
			switch r {
			case '*':
				b.WriteString(".*")
			case '.':
				b.WriteString(`\.`)
			default:
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

// IsMonitoringEnabled reports whether monitoring is globally enabled.
func (c *Cache) IsMonitoringEnabled() bool {
	return c.current.Load().enabled
}

// IsMonitoredDomain reports whether host matches a configured monitored
// domain (spec §3 "Domains"), independent of the monitor value match.
func (c *Cache) IsMonitoredDomain(host string) bool {
	snap := c.current.Load()
	if !snap.enabled {
		return false
	}
	_, ok := snap.domains[strings.ToLower(stripPort(host))]
	return ok
}

// IsMonitoredRequest reports whether a request is monitored traffic (spec
// §2 "Monitoring decision"): the monitor rule's pattern must match the
// value at its configured header/query key, *and* host must match a
// monitored domain. headerLookup/queryLookup read from the live request;
// only the source the monitor rule names is ever consulted.
func (c *Cache) IsMonitoredRequest(host string, headerLookup, queryLookup func(name string) string) bool {
	snap := c.current.Load()
	if !snap.enabled || snap.monitor == nil || snap.monitor.compiled == nil {
		return false
	}

	var value string
	switch snap.monitor.Source {
	case "query":
		value = queryLookup(snap.monitor.Key)
	default:
		value = headerLookup(snap.monitor.Key)
	}
	if value == "" || !snap.monitor.compiled.MatchString(value) {
		return false
	}

	return c.IsMonitoredDomain(host)
}

// IsSecureDomain reports whether host should be dialed with TLS by the
// forwarder.
func (c *Cache) IsSecureDomain(host string) bool {
	snap := c.current.Load()
	d, ok := snap.domains[strings.ToLower(stripPort(host))]
	return ok && d.Secure
}

// GetEndpointType classifies path using the priority-ordered endpoint
// rules, falling back to the configured default (never empty).
func (c *Cache) GetEndpointType(path string) string {
	snap := c.current.Load()
	for _, rule := range snap.endpoints {
		for _, re := range rule.compiled {
			if re.MatchString(path) {
				return rule.Name
			}
		}
	}
	if snap.defaultType == "" {
		return "public"
	}
	return snap.defaultType
}

// IsSecureEndpoint reports whether path classifies as the "secure"
// endpoint type.
func (c *Cache) IsSecureEndpoint(path string) bool {
	return c.GetEndpointType(path) == "secure"
}

// ExtractAllMappedValues extracts every mapping rule's value from
// headers/query and returns a field->value map. Absent values are
// represented as "" rather than omitted, so callers never need a nil
// check (spec §4.2 "never returns null").
func (c *Cache) ExtractAllMappedValues(headerLookup func(name string) string, queryLookup func(name string) string) map[string]string {
	snap := c.current.Load()
	out := make(map[string]string, len(snap.mapping))
	for _, rule := range snap.mapping {
		var v string
		switch rule.Source {
		case "query":
			v = queryLookup(rule.Name)
		default:
			v = headerLookup(rule.Name)
		}
		out[rule.Field] = v
	}
	return out
}

// GetReplayLatency returns the first matching replay latency rule for
// host/path, or nil if none matches (caller should default to instant).
func (c *Cache) GetReplayLatency(host, path string) *ReplayLatencyRule {
	snap := c.current.Load()
	for i := range snap.replay {
		rule := &snap.replay[i]
		if rule.Host != "" && !strings.EqualFold(rule.Host, stripPort(host)) {
			continue
		}
		if rule.compiled != nil && !rule.compiled.MatchString(path) {
			continue
		}
		return rule
	}
	return nil
}

// GetEndpointPatterns returns the compiled endpoint rules for callers
// that need to explain a classification decision (diagnostics, tests).
func (c *Cache) GetEndpointPatterns() []EndpointRule {
	return c.current.Load().endpoints
}

// MonitoredDomainHosts returns every domain host configured for
// monitoring, in no particular order (the snapshot keeps domains in a
// map), so the session fabric can issue a
// DPSESSION cookie scoped to each one (spec §4.8 "Issued as Set-Cookie
// once per configured monitored domain").
func (c *Cache) MonitoredDomainHosts() []DomainRule {
	snap := c.current.Load()
	out := make([]DomainRule, 0, len(snap.domains))
	for _, d := range snap.domains {
		out = append(out, d)
	}
	return out
}

// SessionCreateRules returns the compiled session-creation trigger rules
// (spec §4.8 "Creation triggers").
func (c *Cache) SessionCreateRules() []SessionCreateRule {
	return c.current.Load().sessionCreate
}

// SessionUpdateRules returns the compiled session-update trigger rules
// (spec §4.8 "Update triggers").
func (c *Cache) SessionUpdateRules() []SessionUpdateRule {
	return c.current.Load().sessionUpdate
}

// MatchSessionCreateRule returns the first create rule whose endpoint
// pattern and method match, or nil.
func (c *Cache) MatchSessionCreateRule(method, path string) *SessionCreateRule {
	snap := c.current.Load()
	for i := range snap.sessionCreate {
		r := &snap.sessionCreate[i]
		if r.Method != "" && r.Method != "*" && !strings.EqualFold(r.Method, method) {
			continue
		}
		if r.endpointRe != nil && !r.endpointRe.MatchString(path) {
			continue
		}
		return r
	}
	return nil
}

// MatchSessionUpdateRules returns every update rule whose endpoint
// pattern and method match path/method.
func (c *Cache) MatchSessionUpdateRules(method, path string) []SessionUpdateRule {
	snap := c.current.Load()
	var out []SessionUpdateRule
	for _, r := range snap.sessionUpdate {
		if r.Method != "" && r.Method != "*" && !strings.EqualFold(r.Method, method) {
			continue
		}
		if r.endpointRe != nil && !r.endpointRe.MatchString(path) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// CompiledPattern exposes the compiled capture-group regex for a create rule
// (nil if the rule has no Pattern), so callers can apply the "first
// capture group becomes the value" extraction rule (spec §4.8).
func (r *SessionCreateRule) CompiledPattern() *regexp.Regexp { return r.compiled }

// CompiledPattern exposes the compiled capture-group regex for an update
// rule.
func (r *SessionUpdateRule) CompiledPattern() *regexp.Regexp { return r.compiled }

func stripPort(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}
