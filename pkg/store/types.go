// Package store defines the Record Store contract: the persisted entities
// and indexed queries the rest of the proxy treats as an external
// collaborator (recorded requests/responses, sessions, users, stats rows,
// and the traffic/matching configuration rows the config cache compiles).
package store

import "time"

// APIRequest is a persisted recorded request (spec §3 "Recorded Request").
type APIRequest struct {
	ID             int64
	UserID         *string
	Method         string
	Host           string
	EndpointPath   string
	QueryParams    map[string]string
	RequestHeaders map[string][]string
	RequestBody    []byte
	AppVersion     string
	AppPlatform    string
	AppEnvironment string
	AppLanguage    string
	EndpointType   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// APIResponse is a persisted recorded response, one-to-one with an
// APIRequest via APIRequestID (spec §3 "Recorded Response").
type APIResponse struct {
	ID             int64
	APIRequestID   int64
	ResponseStatus int
	ResponseHeaders map[string][]string
	ResponseBody   []byte
	ResponseSource string
	LatencyMs      int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Session is the Session Fabric's persisted identity row (spec §3 "Session").
type Session struct {
	ID             int64
	UserID         *string
	PSession       string
	USHash         []string
	USession       string
	OAuthHash      []string
	OAuthToken     string
	DeviceMetadata map[string]string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastActivityAt time.Time
}

// User is the Record Store's user row, auto-created on first observation
// (spec §3 "User").
type User struct {
	ID        int64
	UserID    string
	PartyID   string
	ClientID  string
	Email     string
	FirstName string
	LastName  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StatsRow is one inserted performance-statistics row (spec §3 "Stats Row").
type StatsRow struct {
	Host           string
	EndpointPath   string
	Method         string
	AppPlatform    string
	AppVersion     string
	AppEnvironment string
	AppLanguage    string
	ResponseStatus int
	ResponseLength int64
	LatencyMs      int64
	CreatedAt      time.Time
}

// ConfigRow is a row in the `config` table: one of traffic, mapping,
// endpoint, or proxy configuration, stored as opaque JSON (spec §6).
type ConfigRow struct {
	Type      string
	Config    []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

const (
	ConfigTypeTraffic  = "traffic"
	ConfigTypeMapping  = "mapping"
	ConfigTypeEndpoint = "endpoint"
	ConfigTypeProxy    = "proxy"
)

// EndpointMatchingConfig is one priority-ordered matching rule (spec §3
// "Endpoint Matching Config").
type EndpointMatchingConfig struct {
	ID                  int64
	HTTPMethod          string
	EndpointPattern     string
	Regex               bool
	Priority            int
	Enabled             bool
	Type                string // replay | recording | both
	MatchVersion        int    // 0=closest-fallback, 1=exact
	MatchLanguage       int    // 0=exact->en->any, 1=exact
	MatchPlatform       int    // 0=exact->any, 1=exact
	MatchEnvironment    string // "exact" | literal env name
	MatchQueryParams    []string
	MatchHeaders        []string
	MatchBody           []string
	MatchResponseStatus string // "2xx" | "error" | "<code>"
}
