package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fihtony/dproxy/pkg/backend"
)

// SQLStore is a database/sql-backed RecordStore. It supports both SQLite
// (laptop/team deployments) and PostgreSQL (production), selected by the
// DSN scheme via backend.ParseDatabaseURL.
type SQLStore struct {
	db     *sql.DB
	dbType backend.DBType
}

// OpenSQLStore opens (and, if necessary, creates the schema for) a Record
// Store at the given database URL.
func OpenSQLStore(ctx context.Context, databaseURL string) (*SQLStore, error) {
	cfg, err := backend.ParseDatabaseURL(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid record store URL: %w", err)
	}

	db, err := sql.Open(cfg.DriverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}

	if cfg.Type == backend.DBTypeSQLite {
		db.SetMaxOpenConns(1) // serialize writes; sqlite has one writer
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	s := &SQLStore{db: db, dbType: cfg.Type}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate record store: %w", err)
	}

	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS api_requests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT,
			method TEXT NOT NULL,
			host TEXT NOT NULL,
			endpoint_path TEXT NOT NULL,
			query_params TEXT NOT NULL DEFAULT '{}',
			request_headers TEXT NOT NULL DEFAULT '{}',
			request_body BLOB,
			app_version TEXT NOT NULL DEFAULT '',
			app_platform TEXT NOT NULL DEFAULT '',
			app_environment TEXT NOT NULL DEFAULT '',
			app_language TEXT NOT NULL DEFAULT '',
			endpoint_type TEXT NOT NULL DEFAULT 'public',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_responses (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			api_request_id INTEGER UNIQUE NOT NULL,
			response_status INTEGER NOT NULL,
			response_headers TEXT NOT NULL DEFAULT '{}',
			response_body BLOB,
			response_source TEXT NOT NULL DEFAULT '',
			latency_ms INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT,
			p_session TEXT UNIQUE NOT NULL,
			u_session TEXT NOT NULL DEFAULT '',
			us_hash TEXT NOT NULL DEFAULT '[]',
			oauth_token TEXT NOT NULL DEFAULT '',
			oauth_hash TEXT NOT NULL DEFAULT '[]',
			device_metadata TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			last_activity_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT UNIQUE NOT NULL,
			party_id TEXT NOT NULL DEFAULT '',
			client_id TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS stats (
			host TEXT NOT NULL,
			endpoint_path TEXT NOT NULL,
			method TEXT NOT NULL,
			app_platform TEXT NOT NULL DEFAULT '',
			app_version TEXT NOT NULL DEFAULT '',
			app_environment TEXT NOT NULL DEFAULT '',
			app_language TEXT NOT NULL DEFAULT '',
			response_status INTEGER NOT NULL,
			response_length INTEGER NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS config (
			type TEXT UNIQUE NOT NULL,
			config TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS endpoint_matching_config (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			http_method TEXT NOT NULL DEFAULT '*',
			endpoint_pattern TEXT NOT NULL,
			regex INTEGER NOT NULL DEFAULT 0,
			priority INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1,
			type TEXT NOT NULL DEFAULT 'both',
			match_version INTEGER NOT NULL DEFAULT 1,
			match_language INTEGER NOT NULL DEFAULT 1,
			match_platform INTEGER NOT NULL DEFAULT 1,
			match_environment TEXT NOT NULL DEFAULT 'exact',
			match_query_params TEXT,
			match_headers TEXT,
			match_body TEXT,
			match_response_status TEXT NOT NULL DEFAULT '2xx'
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration statement failed: %w", err)
		}
	}
	return nil
}

// placeholder returns the positional placeholder syntax for the
// underlying driver ($1 for postgres, ? for sqlite).
func (s *SQLStore) placeholder(n int) string {
	if s.dbType == backend.DBTypePostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// sqlBodyMatchRow is a candidate row sharing the primary upsert key,
// fetched so its request_body can be scored against the incoming request
// (spec §4.5 "secondary body match").
type sqlBodyMatchRow struct {
	id   int64
	body []byte
}

// UpsertRequest implements RecordStore.
func (s *SQLStore) UpsertRequest(ctx context.Context, req *APIRequest, bodyMatchFields []string) (int64, error) {
	qp, err := json.Marshal(req.QueryParams)
	if err != nil {
		return 0, err
	}
	hdrs, err := json.Marshal(req.RequestHeaders)
	if err != nil {
		return 0, err
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, request_body FROM api_requests WHERE
			(user_id = %s OR (user_id IS NULL AND %s IS NULL))
			AND LOWER(method) = LOWER(%s) AND endpoint_path = %s
			AND query_params = %s AND app_version = %s AND app_platform = %s
			AND app_environment = %s AND app_language = %s AND endpoint_type = %s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4),
		s.placeholder(5), s.placeholder(6), s.placeholder(7), s.placeholder(8),
		s.placeholder(9), s.placeholder(10)),
		req.UserID, req.UserID, req.Method, req.EndpointPath, string(qp),
		req.AppVersion, req.AppPlatform, req.AppEnvironment, req.AppLanguage, req.EndpointType)
	if err != nil {
		return 0, err
	}

	var matches []sqlBodyMatchRow
	for rows.Next() {
		var m sqlBodyMatchRow
		if err := rows.Scan(&m.id, &m.body); err != nil {
			rows.Close()
			return 0, err
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	rows.Close()

	now := time.Now().UTC()

	if existingID, ok := pickBodyMatchSQL(matches, req.RequestBody, bodyMatchFields); ok {
		_, err := s.db.ExecContext(ctx, fmt.Sprintf(
			`UPDATE api_requests SET request_headers=%s, request_body=%s,
				app_language=%s, updated_at=%s WHERE id=%s`,
			s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5)),
			string(hdrs), req.RequestBody, req.AppLanguage, now, existingID)
		if err != nil {
			return 0, err
		}
		req.ID = existingID
		req.UpdatedAt = now
		return existingID, nil
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO api_requests (user_id, method, host, endpoint_path, query_params,
			request_headers, request_body, app_version, app_platform, app_environment,
			app_language, endpoint_type, created_at, updated_at)
		VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5),
		s.placeholder(6), s.placeholder(7), s.placeholder(8), s.placeholder(9), s.placeholder(10),
		s.placeholder(11), s.placeholder(12), s.placeholder(13), s.placeholder(14)),
		req.UserID, req.Method, req.Host, req.EndpointPath, string(qp), string(hdrs),
		req.RequestBody, req.AppVersion, req.AppPlatform, req.AppEnvironment,
		req.AppLanguage, req.EndpointType, now, now)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	req.ID = id
	req.CreatedAt = now
	req.UpdatedAt = now
	return id, nil
}

// pickBodyMatchSQL mirrors the in-memory store's pickBodyMatch selection
// rule (spec §4.5 "secondary body match using match_body fields may
// select an existing row to update rather than insert") over rows
// already fetched by the primary-key query: with no rows it inserts;
// with exactly one and no configured body fields it updates that row;
// otherwise only a positive dot-path agreement on bodyMatchFields
// selects a row to update.
func pickBodyMatchSQL(matches []sqlBodyMatchRow, reqBody []byte, bodyMatchFields []string) (int64, bool) {
	if len(matches) == 0 {
		return 0, false
	}
	if len(bodyMatchFields) == 0 {
		if len(matches) == 1 {
			return matches[0].id, true
		}
		return 0, false
	}

	var reqVal any
	if json.Unmarshal(reqBody, &reqVal) != nil {
		if len(matches) == 1 {
			return matches[0].id, true
		}
		return 0, false
	}

	var best int64
	bestScore := 0
	for _, m := range matches {
		var candVal any
		if json.Unmarshal(m.body, &candVal) != nil {
			continue
		}
		score := 0
		for _, path := range bodyMatchFields {
			a, aok := dotPath(reqVal, path)
			b, bok := dotPath(candVal, path)
			if aok && bok && deepEqual(a, b) {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			best = m.id
		}
	}
	if best != 0 {
		return best, true
	}
	return 0, false
}

// PutResponse implements RecordStore.
func (s *SQLStore) PutResponse(ctx context.Context, requestID int64, resp *APIResponse) error {
	hdrs, err := json.Marshal(resp.ResponseHeaders)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM api_responses WHERE api_request_id = %s`, s.placeholder(1)), requestID)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO api_responses (api_request_id, response_status, response_headers,
			response_body, response_source, latency_ms, created_at, updated_at)
		VALUES (%s,%s,%s,%s,%s,%s,%s,%s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4),
		s.placeholder(5), s.placeholder(6), s.placeholder(7), s.placeholder(8)),
		requestID, resp.ResponseStatus, string(hdrs), resp.ResponseBody,
		resp.ResponseSource, resp.LatencyMs, now, now)
	return err
}

// FindCandidates implements RecordStore.
func (s *SQLStore) FindCandidates(ctx context.Context, q CandidateQuery) ([]Candidate, error) {
	var where []string
	var args []any
	n := 0
	next := func() string {
		n++
		return s.placeholder(n)
	}

	if q.UserID != nil {
		where = append(where, fmt.Sprintf("r.user_id = %s", next()))
		args = append(args, *q.UserID)
	} else {
		where = append(where, "r.user_id IS NULL")
	}

	where = append(where, fmt.Sprintf("LOWER(r.method) = LOWER(%s)", next()))
	args = append(args, q.Method)
	where = append(where, fmt.Sprintf("r.endpoint_path = %s", next()))
	args = append(args, q.EndpointPath)
	where = append(where, fmt.Sprintf("r.endpoint_type = %s", next()))
	args = append(args, q.EndpointType)

	if q.AppVersion != nil {
		where = append(where, fmt.Sprintf("r.app_version = %s", next()))
		args = append(args, *q.AppVersion)
	}
	if q.AppPlatform != nil {
		where = append(where, fmt.Sprintf("LOWER(r.app_platform) = LOWER(%s)", next()))
		args = append(args, *q.AppPlatform)
	}
	if q.AppEnvironment != nil {
		where = append(where, fmt.Sprintf("LOWER(r.app_environment) = LOWER(%s)", next()))
		args = append(args, *q.AppEnvironment)
	}
	if q.AppLanguage != nil {
		where = append(where, fmt.Sprintf("LOWER(r.app_language) = LOWER(%s)", next()))
		args = append(args, *q.AppLanguage)
	}
	if q.StatusExact != nil {
		where = append(where, fmt.Sprintf("p.response_status = %s", next()))
		args = append(args, *q.StatusExact)
	}
	if q.StatusMin != nil {
		where = append(where, fmt.Sprintf("p.response_status >= %s", next()))
		args = append(args, *q.StatusMin)
	}
	if q.StatusMax != nil {
		where = append(where, fmt.Sprintf("p.response_status < %s", next()))
		args = append(args, *q.StatusMax)
	}

	query := fmt.Sprintf(`SELECT
		r.id, r.user_id, r.method, r.host, r.endpoint_path, r.query_params,
		r.request_headers, r.request_body, r.app_version, r.app_platform,
		r.app_environment, r.app_language, r.endpoint_type, r.created_at, r.updated_at,
		p.id, p.response_status, p.response_headers, p.response_body, p.response_source,
		p.latency_ms, p.created_at, p.updated_at
	FROM api_requests r JOIN api_responses p ON p.api_request_id = r.id
	WHERE %s ORDER BY p.updated_at DESC`, strings.Join(where, " AND "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		var qpRaw, hdrsRaw, respHdrsRaw string
		if err := rows.Scan(
			&c.Request.ID, &c.Request.UserID, &c.Request.Method, &c.Request.Host,
			&c.Request.EndpointPath, &qpRaw, &hdrsRaw, &c.Request.RequestBody,
			&c.Request.AppVersion, &c.Request.AppPlatform, &c.Request.AppEnvironment,
			&c.Request.AppLanguage, &c.Request.EndpointType, &c.Request.CreatedAt, &c.Request.UpdatedAt,
			&c.Response.ID, &c.Response.ResponseStatus, &respHdrsRaw, &c.Response.ResponseBody,
			&c.Response.ResponseSource, &c.Response.LatencyMs, &c.Response.CreatedAt, &c.Response.UpdatedAt,
		); err != nil {
			return nil, err
		}
		c.Response.APIRequestID = c.Request.ID
		json.Unmarshal([]byte(qpRaw), &c.Request.QueryParams)
		json.Unmarshal([]byte(hdrsRaw), &c.Request.RequestHeaders)
		json.Unmarshal([]byte(respHdrsRaw), &c.Response.ResponseHeaders)
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetOrCreateUser implements RecordStore.
func (s *SQLStore) GetOrCreateUser(ctx context.Context, externalUserID string) (*User, error) {
	u := &User{}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, user_id, party_id, client_id, email, first_name, last_name, created_at, updated_at
		FROM users WHERE user_id = %s`, s.placeholder(1)), externalUserID)
	err := row.Scan(&u.ID, &u.UserID, &u.PartyID, &u.ClientID, &u.Email, &u.FirstName, &u.LastName, &u.CreatedAt, &u.UpdatedAt)
	if err == nil {
		return u, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO users (user_id, created_at, updated_at) VALUES (%s,%s,%s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3)), externalUserID, now, now)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &User{ID: id, UserID: externalUserID, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *SQLStore) scanSession(row *sql.Row) (*Session, error) {
	sess := &Session{}
	var usHashRaw, oauthHashRaw, deviceRaw string
	err := row.Scan(&sess.ID, &sess.UserID, &sess.PSession, &sess.USession, &usHashRaw,
		&sess.OAuthToken, &oauthHashRaw, &deviceRaw, &sess.CreatedAt, &sess.ExpiresAt, &sess.LastActivityAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(usHashRaw), &sess.USHash)
	json.Unmarshal([]byte(oauthHashRaw), &sess.OAuthHash)
	json.Unmarshal([]byte(deviceRaw), &sess.DeviceMetadata)
	return sess, nil
}

const sessionColumns = `id, user_id, p_session, u_session, us_hash, oauth_token, oauth_hash, device_metadata, created_at, expires_at, last_activity_at`

// GetSessionByPSession implements RecordStore.
func (s *SQLStore) GetSessionByPSession(ctx context.Context, pSession string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM sessions WHERE p_session = %s`,
		sessionColumns, s.placeholder(1)), pSession)
	return s.scanSession(row)
}

// GetSessionByUSHash implements RecordStore.
func (s *SQLStore) GetSessionByUSHash(ctx context.Context, hash string) (*Session, error) {
	like := "%" + hash + "%"
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM sessions WHERE us_hash LIKE %s`,
		sessionColumns, s.placeholder(1)), like)
	return s.scanSession(row)
}

// GetSessionByOAuthHash implements RecordStore.
func (s *SQLStore) GetSessionByOAuthHash(ctx context.Context, hash string) (*Session, error) {
	like := "%" + hash + "%"
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM sessions WHERE oauth_hash LIKE %s`,
		sessionColumns, s.placeholder(1)), like)
	return s.scanSession(row)
}

// CreateSession implements RecordStore.
func (s *SQLStore) CreateSession(ctx context.Context, sess *Session) error {
	usHash, _ := json.Marshal(sess.USHash)
	oauthHash, _ := json.Marshal(sess.OAuthHash)
	device, _ := json.Marshal(sess.DeviceMetadata)

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO sessions (user_id, p_session, u_session, us_hash, oauth_token, oauth_hash,
			device_metadata, created_at, expires_at, last_activity_at)
		VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5),
		s.placeholder(6), s.placeholder(7), s.placeholder(8), s.placeholder(9), s.placeholder(10)),
		sess.UserID, sess.PSession, sess.USession, string(usHash), sess.OAuthToken, string(oauthHash),
		string(device), sess.CreatedAt, sess.ExpiresAt, sess.LastActivityAt)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	sess.ID = id
	return nil
}

// AppendUSHash implements RecordStore.
func (s *SQLStore) AppendUSHash(ctx context.Context, sessionID int64, hash, value string) error {
	return s.appendHash(ctx, sessionID, "us_hash", "u_session", hash, value)
}

// AppendOAuthHash implements RecordStore.
func (s *SQLStore) AppendOAuthHash(ctx context.Context, sessionID int64, hash, value string) error {
	return s.appendHash(ctx, sessionID, "oauth_hash", "oauth_token", hash, value)
}

// appendHash performs the read-modify-write append under a single
// transaction, serializing concurrent writers to the same session row
// (spec §5, "Shared mutable state" item 3; see DESIGN.md for why this
// repo uses per-call transaction isolation rather than a per-session
// in-process mutex).
func (s *SQLStore) appendHash(ctx context.Context, sessionID int64, hashCol, valueCol, hash, value string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw string
	row := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM sessions WHERE id = %s`, hashCol, s.placeholder(1)), sessionID)
	if err := row.Scan(&raw); err != nil {
		return err
	}

	var hashes []string
	json.Unmarshal([]byte(raw), &hashes)
	hashes = append(hashes, hash)
	newRaw, err := json.Marshal(hashes)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`UPDATE sessions SET %s = %s, %s = %s WHERE id = %s`,
		hashCol, s.placeholder(1), valueCol, s.placeholder(2), s.placeholder(3)),
		string(newRaw), value, sessionID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// TouchSession implements RecordStore.
func (s *SQLStore) TouchSession(ctx context.Context, sessionID int64) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE sessions SET last_activity_at = %s WHERE id = %s`,
		s.placeholder(1), s.placeholder(2)), time.Now().UTC(), sessionID)
	return err
}

// InsertStatsRow implements RecordStore.
func (s *SQLStore) InsertStatsRow(ctx context.Context, row *StatsRow) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO stats (host, endpoint_path, method, app_platform, app_version,
			app_environment, app_language, response_status, response_length, latency_ms, created_at)
		VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5),
		s.placeholder(6), s.placeholder(7), s.placeholder(8), s.placeholder(9), s.placeholder(10), s.placeholder(11)),
		row.Host, row.EndpointPath, row.Method, row.AppPlatform, row.AppVersion,
		row.AppEnvironment, row.AppLanguage, row.ResponseStatus, row.ResponseLength, row.LatencyMs, row.CreatedAt)
	return err
}

// GetConfig implements RecordStore.
func (s *SQLStore) GetConfig(ctx context.Context, configType string) (*ConfigRow, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT type, config, created_at, updated_at FROM config WHERE type = %s`, s.placeholder(1)), configType)

	c := &ConfigRow{}
	var raw string
	err := row.Scan(&c.Type, &raw, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Config = []byte(raw)
	return c, nil
}

// PutConfig implements RecordStore.
func (s *SQLStore) PutConfig(ctx context.Context, row *ConfigRow) error {
	now := time.Now().UTC()

	if s.dbType == backend.DBTypePostgres {
		_, err := s.db.ExecContext(ctx, `INSERT INTO config (type, config, created_at, updated_at)
			VALUES ($1,$2,$3,$3)
			ON CONFLICT (type) DO UPDATE SET config = EXCLUDED.config, updated_at = EXCLUDED.updated_at`,
			row.Type, string(row.Config), now)
		return err
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO config (type, config, created_at, updated_at)
		VALUES (?,?,?,?)
		ON CONFLICT (type) DO UPDATE SET config = excluded.config, updated_at = excluded.updated_at`,
		row.Type, string(row.Config), now, now)
	return err
}

// ListEndpointMatchingConfig implements RecordStore.
func (s *SQLStore) ListEndpointMatchingConfig(ctx context.Context) ([]EndpointMatchingConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, http_method, endpoint_pattern, regex, priority, enabled, type,
		match_version, match_language, match_platform, match_environment,
		match_query_params, match_headers, match_body, match_response_status
		FROM endpoint_matching_config ORDER BY priority ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EndpointMatchingConfig
	for rows.Next() {
		var c EndpointMatchingConfig
		var regexInt, enabledInt int
		var qp, hdrs, body sql.NullString
		if err := rows.Scan(&c.ID, &c.HTTPMethod, &c.EndpointPattern, &regexInt, &c.Priority, &enabledInt,
			&c.Type, &c.MatchVersion, &c.MatchLanguage, &c.MatchPlatform, &c.MatchEnvironment,
			&qp, &hdrs, &body, &c.MatchResponseStatus); err != nil {
			return nil, err
		}
		c.Regex = regexInt != 0
		c.Enabled = enabledInt != 0
		if qp.Valid {
			json.Unmarshal([]byte(qp.String), &c.MatchQueryParams)
		}
		if hdrs.Valid {
			json.Unmarshal([]byte(hdrs.String), &c.MatchHeaders)
		}
		if body.Valid {
			json.Unmarshal([]byte(body.String), &c.MatchBody)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Close implements RecordStore.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
