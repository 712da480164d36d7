package store

import "context"

// Candidate pairs a recorded request with its recorded response, as
// returned by the matching engine's candidate queries. Strategy and
// ConfigID are filled in by the matching engine after a candidate is
// selected (spec §4.7 "Output: zero or one {request, response, strategy,
// configId}"); FindCandidates itself leaves them zero-valued.
type Candidate struct {
	Request  APIRequest
	Response APIResponse

	// Strategy names which of the six fallback strategies (exact,
	// version_closest, language_en, language_any, platform_any,
	// all_fallback) produced this candidate.
	Strategy string
	// ConfigID is the id of the endpoint_matching_config rule that was
	// selected for this request, or 0 if no rule matched (default config).
	ConfigID int64
}

// CandidateQuery narrows the matching engine's base SQL predicate (spec
// §4.7 "Base SQL predicate"). A nil pointer field means "no filter on
// this dimension"; callers resolve strategy relaxations (version_closest,
// language_any, …) into the appropriate nil/non-nil combination before
// calling FindCandidates.
type CandidateQuery struct {
	UserID       *string // nil and not required => user_id IS NULL OR user_id = ?
	Method       string
	EndpointPath string
	EndpointType string // "public" | "secure" | custom

	AppVersion     *string
	AppPlatform    *string
	AppEnvironment *string
	AppLanguage    *string

	StatusMin   *int // inclusive
	StatusMax   *int // exclusive
	StatusExact *int
}

// RecordStore is the persistence contract the rest of the proxy treats as
// an external collaborator (spec §1 "Out of scope" / §6 "Record Store
// tables"). Implementations must be safe for concurrent use.
type RecordStore interface {
	// UpsertRequest inserts or updates a recorded request row, keyed by
	// the recording-mode upsert predicate from spec §4.5. When several
	// existing rows share that key, bodyMatchFields (an endpoint rule's
	// match_body dot-paths, possibly empty) selects which one to update
	// by scoring agreement with req.RequestBody on those paths (spec
	// §4.5 "secondary body match"); with no paths configured, the sole
	// existing row sharing the key is updated, or a new row is inserted
	// if more than one does. Returns the row's id.
	UpsertRequest(ctx context.Context, req *APIRequest, bodyMatchFields []string) (int64, error)

	// PutResponse inserts or replaces the response row for requestID.
	PutResponse(ctx context.Context, requestID int64, resp *APIResponse) error

	// FindCandidates returns recorded (request, response) pairs matching
	// the base predicate, ordered by api_responses.updated_at descending.
	FindCandidates(ctx context.Context, q CandidateQuery) ([]Candidate, error)

	// GetOrCreateUser returns the user row for the external identifier,
	// creating it on first observation.
	GetOrCreateUser(ctx context.Context, externalUserID string) (*User, error)

	// GetSessionByPSession resolves a session by its DPSESSION token.
	GetSessionByPSession(ctx context.Context, pSession string) (*Session, error)

	// GetSessionByUSHash resolves a session whose us_hash array contains hash.
	GetSessionByUSHash(ctx context.Context, hash string) (*Session, error)

	// GetSessionByOAuthHash resolves a session whose oauth_hash array contains hash.
	GetSessionByOAuthHash(ctx context.Context, hash string) (*Session, error)

	// CreateSession persists a new session row.
	CreateSession(ctx context.Context, s *Session) error

	// AppendUSHash appends hash to a session's us_hash array and updates
	// u_session to value; serialized per session (spec §5, "Shared
	// mutable state" item 3).
	AppendUSHash(ctx context.Context, sessionID int64, hash, value string) error

	// AppendOAuthHash appends hash to a session's oauth_hash array and
	// updates oauth_token to value.
	AppendOAuthHash(ctx context.Context, sessionID int64, hash, value string) error

	// TouchSession updates last_activity_at to now.
	TouchSession(ctx context.Context, sessionID int64) error

	// InsertStatsRow inserts one stats row (spec §4.11).
	InsertStatsRow(ctx context.Context, row *StatsRow) error

	// GetConfig returns the config row for the given type, if any.
	GetConfig(ctx context.Context, configType string) (*ConfigRow, error)

	// PutConfig inserts or replaces the config row for row.Type.
	PutConfig(ctx context.Context, row *ConfigRow) error

	// ListEndpointMatchingConfig returns all matching rules, including
	// disabled ones; callers filter by Enabled and Type.
	ListEndpointMatchingConfig(ctx context.Context) ([]EndpointMatchingConfig, error)

	// Close releases any resources (connections, files) held by the store.
	Close() error
}
