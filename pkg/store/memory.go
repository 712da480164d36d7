package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryRecordStore is an in-process, map-backed RecordStore. It backs
// unit tests and the passthrough-only deployment mode where no
// persistence is wanted.
type MemoryRecordStore struct {
	mu sync.Mutex

	nextRequestID int64
	requests      map[int64]*APIRequest
	responses     map[int64]*APIResponse // keyed by api_request_id

	nextUserID int64
	usersByExt map[string]*User

	nextSessionID  int64
	sessions       map[int64]*Session
	sessionByPSess map[string]int64
	sessionByUSH   map[string]int64
	sessionByOAuth map[string]int64

	stats []StatsRow

	configs map[string]*ConfigRow
	rules   []EndpointMatchingConfig
}

// NewMemoryRecordStore creates an empty in-memory Record Store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		requests:       make(map[int64]*APIRequest),
		responses:      make(map[int64]*APIResponse),
		usersByExt:     make(map[string]*User),
		sessions:       make(map[int64]*Session),
		sessionByPSess: make(map[string]int64),
		sessionByUSH:   make(map[string]int64),
		sessionByOAuth: make(map[string]int64),
		configs:        make(map[string]*ConfigRow),
	}
}

// SeedConfig installs a config row directly, for tests that want to
// pre-populate the traffic config cache's source rows.
func (m *MemoryRecordStore) SeedConfig(row ConfigRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := row
	m.configs[row.Type] = &c
}

// SeedRules installs endpoint matching rules directly.
func (m *MemoryRecordStore) SeedRules(rules []EndpointMatchingConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append([]EndpointMatchingConfig(nil), rules...)
}

// requestKey computes the spec §4.5 recording-mode upsert key:
// (user_id, method, endpoint_path, normalized(query_params), app_version,
// app_platform, app_environment, app_language, endpoint_type).
func requestKey(req *APIRequest) string {
	user := ""
	if req.UserID != nil {
		user = *req.UserID
	}
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%s|%s",
		user, req.Method, req.EndpointPath, normalizedQuery(req.QueryParams),
		req.AppVersion, req.AppPlatform, req.AppEnvironment, req.AppLanguage, req.EndpointType)
}

func normalizedQuery(q map[string]string) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for _, k := range keys {
		out += k + "=" + q[k] + "&"
	}
	return out
}

// UpsertRequest implements RecordStore.
func (m *MemoryRecordStore) UpsertRequest(ctx context.Context, req *APIRequest, bodyMatchFields []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := requestKey(req)
	var matches []int64
	for id, existing := range m.requests {
		if requestKey(existing) == key {
			matches = append(matches, id)
		}
	}

	if id, ok := pickBodyMatch(m.requests, matches, req, bodyMatchFields); ok {
		existing := m.requests[id]
		req.ID = id
		req.CreatedAt = existing.CreatedAt
		req.UpdatedAt = time.Now()
		m.requests[id] = req
		return id, nil
	}

	m.nextRequestID++
	id := m.nextRequestID
	req.ID = id
	now := time.Now()
	req.CreatedAt = now
	req.UpdatedAt = now
	m.requests[id] = req
	return id, nil
}

// pickBodyMatch chooses which row sharing a primary key to update (spec
// §4.5 "secondary body match using match_body fields may select an
// existing row to update rather than insert"). With no rows sharing the
// key, there is nothing to update. With exactly one and no configured
// body fields, that row is updated (the key alone was already decisive).
// Otherwise only a positive dot-path agreement on bodyMatchFields selects
// a row; the caller inserts a new one if none scores above zero.
func pickBodyMatch(requests map[int64]*APIRequest, matches []int64, req *APIRequest, bodyMatchFields []string) (int64, bool) {
	if len(matches) == 0 {
		return 0, false
	}
	if len(bodyMatchFields) == 0 {
		if len(matches) == 1 {
			return matches[0], true
		}
		return 0, false
	}

	var reqBody any
	if json.Unmarshal(req.RequestBody, &reqBody) != nil {
		if len(matches) == 1 {
			return matches[0], true
		}
		return 0, false
	}

	best := int64(0)
	bestScore := 0
	for _, id := range matches {
		var candBody any
		if json.Unmarshal(requests[id].RequestBody, &candBody) != nil {
			continue
		}
		score := 0
		for _, path := range bodyMatchFields {
			a, aok := dotPath(reqBody, path)
			b, bok := dotPath(candBody, path)
			if aok && bok && deepEqual(a, b) {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			best = id
		}
	}
	if best != 0 {
		return best, true
	}
	return 0, false
}

// dotPath resolves a dotted path like "user.address.city" against a
// decoded JSON value.
func dotPath(v any, path string) (any, bool) {
	cur := v
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func deepEqual(a, b any) bool {
	aj, err1 := json.Marshal(a)
	bj, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && string(aj) == string(bj)
}

// PutResponse implements RecordStore.
func (m *MemoryRecordStore) PutResponse(ctx context.Context, requestID int64, resp *APIResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	resp.APIRequestID = requestID
	now := time.Now()
	if existing, ok := m.responses[requestID]; ok {
		resp.ID = existing.ID
		resp.CreatedAt = existing.CreatedAt
	} else {
		resp.ID = requestID
		resp.CreatedAt = now
	}
	resp.UpdatedAt = now
	m.responses[requestID] = resp
	return nil
}

// FindCandidates implements RecordStore.
func (m *MemoryRecordStore) FindCandidates(ctx context.Context, q CandidateQuery) ([]Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Candidate
	for id, req := range m.requests {
		resp, ok := m.responses[id]
		if !ok {
			continue
		}

		if q.UserID != nil {
			if req.UserID == nil || *req.UserID != *q.UserID {
				continue
			}
		}
		if !equalFold(req.Method, q.Method) {
			continue
		}
		if !equalFold(req.EndpointPath, q.EndpointPath) {
			continue
		}
		if req.EndpointType != q.EndpointType {
			continue
		}
		if q.AppVersion != nil && req.AppVersion != *q.AppVersion {
			continue
		}
		if q.AppPlatform != nil && !equalFold(req.AppPlatform, *q.AppPlatform) {
			continue
		}
		if q.AppEnvironment != nil && !equalFold(req.AppEnvironment, *q.AppEnvironment) {
			continue
		}
		if q.AppLanguage != nil && !equalFold(req.AppLanguage, *q.AppLanguage) {
			continue
		}
		if q.StatusExact != nil && resp.ResponseStatus != *q.StatusExact {
			continue
		}
		if q.StatusMin != nil && resp.ResponseStatus < *q.StatusMin {
			continue
		}
		if q.StatusMax != nil && resp.ResponseStatus >= *q.StatusMax {
			continue
		}

		out = append(out, Candidate{Request: *req, Response: *resp})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Response.UpdatedAt.After(out[j].Response.UpdatedAt)
	})

	return out, nil
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// GetOrCreateUser implements RecordStore.
func (m *MemoryRecordStore) GetOrCreateUser(ctx context.Context, externalUserID string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u, ok := m.usersByExt[externalUserID]; ok {
		return u, nil
	}

	m.nextUserID++
	u := &User{
		ID:        m.nextUserID,
		UserID:    externalUserID,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	m.usersByExt[externalUserID] = u
	return u, nil
}

// GetSessionByPSession implements RecordStore.
func (m *MemoryRecordStore) GetSessionByPSession(ctx context.Context, pSession string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.sessionByPSess[pSession]
	if !ok {
		return nil, nil
	}
	s := *m.sessions[id]
	return &s, nil
}

// GetSessionByUSHash implements RecordStore.
func (m *MemoryRecordStore) GetSessionByUSHash(ctx context.Context, hash string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.sessionByUSH[hash]
	if !ok {
		return nil, nil
	}
	s := *m.sessions[id]
	return &s, nil
}

// GetSessionByOAuthHash implements RecordStore.
func (m *MemoryRecordStore) GetSessionByOAuthHash(ctx context.Context, hash string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.sessionByOAuth[hash]
	if !ok {
		return nil, nil
	}
	s := *m.sessions[id]
	return &s, nil
}

// CreateSession implements RecordStore.
func (m *MemoryRecordStore) CreateSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSessionID++
	s.ID = m.nextSessionID
	cp := *s
	m.sessions[s.ID] = &cp
	m.sessionByPSess[s.PSession] = s.ID
	for _, h := range s.USHash {
		m.sessionByUSH[h] = s.ID
	}
	for _, h := range s.OAuthHash {
		m.sessionByOAuth[h] = s.ID
	}
	return nil
}

// AppendUSHash implements RecordStore.
func (m *MemoryRecordStore) AppendUSHash(ctx context.Context, sessionID int64, hash, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %d not found", sessionID)
	}
	s.USHash = append(s.USHash, hash)
	s.USession = value
	m.sessionByUSH[hash] = sessionID
	return nil
}

// AppendOAuthHash implements RecordStore.
func (m *MemoryRecordStore) AppendOAuthHash(ctx context.Context, sessionID int64, hash, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %d not found", sessionID)
	}
	s.OAuthHash = append(s.OAuthHash, hash)
	s.OAuthToken = value
	m.sessionByOAuth[hash] = sessionID
	return nil
}

// TouchSession implements RecordStore.
func (m *MemoryRecordStore) TouchSession(ctx context.Context, sessionID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.LastActivityAt = time.Now()
	}
	return nil
}

// InsertStatsRow implements RecordStore.
func (m *MemoryRecordStore) InsertStatsRow(ctx context.Context, row *StatsRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = append(m.stats, *row)
	return nil
}

// Stats returns a copy of all inserted stats rows, for test assertions.
func (m *MemoryRecordStore) Stats() []StatsRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StatsRow(nil), m.stats...)
}

// GetConfig implements RecordStore.
func (m *MemoryRecordStore) GetConfig(ctx context.Context, configType string) (*ConfigRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.configs[configType]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

// PutConfig implements RecordStore.
func (m *MemoryRecordStore) PutConfig(ctx context.Context, row *ConfigRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *row
	if existing, ok := m.configs[row.Type]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = cp.UpdatedAt
	}
	m.configs[row.Type] = &cp
	return nil
}

// ListEndpointMatchingConfig implements RecordStore.
func (m *MemoryRecordStore) ListEndpointMatchingConfig(ctx context.Context) ([]EndpointMatchingConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EndpointMatchingConfig(nil), m.rules...), nil
}

// Close implements RecordStore.
func (m *MemoryRecordStore) Close() error {
	return nil
}

// HashToken is the shared SHA-256 hex-digest helper the session fabric
// uses over upstream cookie and bearer token values (spec §4.8).
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
