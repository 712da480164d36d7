// Package matcher implements the replay Matching Engine (spec §4.7): it
// selects the highest-priority endpoint matching rule for a request,
// resolves dimension fallbacks in the order the rule allows, and scores
// the resulting candidates on query parameters, headers, and body
// dot-paths to pick the single best recorded response.
package matcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"sort"
	"strings"

	"github.com/fihtony/dproxy/pkg/store"
)

// ErrNoMatch is returned when no recorded response can be matched; the
// mode service turns this into the standard 502 error body
// {error:true, status:502, message:"no-match", timestamp}.
var ErrNoMatch = errors.New("no matching recorded response")

// Request is the subset of inbound request data the matching engine
// needs, decoupled from net/http and reqctx so it can be unit tested
// without constructing either.
type Request struct {
	Method         string
	Path           string
	UserID         string
	AppVersion     string
	AppPlatform    string
	AppEnvironment string
	AppLanguage    string
	EndpointType   string
	QueryParams    map[string]string
	Headers        http.Header
	Body           []byte
}

// compiledRule pairs a stored rule with its compiled pattern.
type compiledRule struct {
	rule     store.EndpointMatchingConfig
	compiled *regexp.Regexp
}

// Engine is the matching engine, holding the record store and the
// compiled rule set. Rules are recompiled via Refresh whenever the
// underlying config changes; Match itself never touches the store for
// rules, only for candidate rows.
type Engine struct {
	store          store.RecordStore
	rules          []compiledRule
	recordingRules []compiledRule
}

// New creates an Engine backed by s. Call Refresh before first use.
func New(s store.RecordStore) *Engine {
	return &Engine{store: s}
}

// Refresh reloads and recompiles the endpoint matching rules, skipping
// (and not failing on) rules whose pattern fails to compile.
func (e *Engine) Refresh(ctx context.Context) error {
	rules, err := e.store.ListEndpointMatchingConfig(ctx)
	if err != nil {
		return err
	}

	var compiled, compiledRecording []compiledRule
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		re, err := compilePattern(r.EndpointPattern, r.Regex)
		if err != nil {
			continue
		}
		cr := compiledRule{rule: r, compiled: re}
		if r.Type == "replay" || r.Type == "both" {
			compiled = append(compiled, cr)
		}
		if r.Type == "recording" || r.Type == "both" {
			compiledRecording = append(compiledRecording, cr)
		}
	}
	sort.SliceStable(compiled, func(i, j int) bool { return compiled[i].rule.Priority < compiled[j].rule.Priority })
	sort.SliceStable(compiledRecording, func(i, j int) bool { return compiledRecording[i].rule.Priority < compiledRecording[j].rule.Priority })
	e.rules = compiled
	e.recordingRules = compiledRecording
	return nil
}

// MatchBodyFields returns the match_body dot-paths configured for the
// highest-priority recording-applicable rule ("recording" or "both") that
// matches method and path, or nil if no such rule configures any (spec
// §4.5 "secondary body match using match_body fields").
func (e *Engine) MatchBodyFields(method, path string) []string {
	for i := range e.recordingRules {
		cr := &e.recordingRules[i]
		if cr.rule.HTTPMethod != "*" && !strings.EqualFold(cr.rule.HTTPMethod, method) {
			continue
		}
		if !cr.compiled.MatchString(path) {
			continue
		}
		return cr.rule.MatchBody
	}
	return nil
}

// selectRule finds the highest-priority enabled rule whose method and
// pattern match req.
func (e *Engine) selectRule(req Request) *compiledRule {
	for i := range e.rules {
		cr := &e.rules[i]
		if cr.rule.HTTPMethod != "*" && !strings.EqualFold(cr.rule.HTTPMethod, req.Method) {
			continue
		}
		if !cr.compiled.MatchString(req.Path) {
			continue
		}
		return cr
	}
	return nil
}

// Match runs the full matching pipeline for req and returns the best
// candidate, or ErrNoMatch.
func (e *Engine) Match(ctx context.Context, req Request) (*store.Candidate, error) {
	rule := e.selectRule(req)

	base := store.CandidateQuery{
		Method:       req.Method,
		EndpointPath: req.Path,
		EndpointType: req.EndpointType,
	}
	if req.UserID != "" {
		uid := req.UserID
		base.UserID = &uid
	}
	applyStatusFilter(&base, ruleStatus(rule))

	strategies := fallbackStrategies(req, rule)

	var candidates []store.Candidate
	var versionRelaxed bool
	var matched string
	for _, s := range strategies {
		cands, err := e.store.FindCandidates(ctx, mergeQuery(base, s.override))
		if err != nil {
			return nil, err
		}
		if len(cands) > 0 {
			candidates = cands
			versionRelaxed = s.override.version == nil
			matched = s.name
			break
		}
	}

	if len(candidates) == 0 {
		return nil, ErrNoMatch
	}

	if versionRelaxed && req.AppVersion != "" {
		candidates = closestVersionGroup(candidates, req.AppVersion)
	}

	best := scoreAndPickBest(candidates, req, rule)
	best.Strategy = matched
	if rule != nil {
		best.ConfigID = rule.rule.ID
	}
	return best, nil
}

// closestVersionGroup narrows candidates to those whose recorded app
// version has the smallest numeric distance to want (spec §4.7
// "version_closest": sort by |Δmajor|*10000+|Δminor|*100+|Δpatch|, keep
// the closest). Candidates tied at the minimum distance are all kept so
// scoreAndPickBest can still break ties on query/header/body agreement.
func closestVersionGroup(candidates []store.Candidate, want string) []store.Candidate {
	best := -1
	for _, c := range candidates {
		d := versionDistance(want, c.Request.AppVersion)
		if best == -1 || d < best {
			best = d
		}
	}
	if best == -1 {
		return candidates
	}
	out := make([]store.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if versionDistance(want, c.Request.AppVersion) == best {
			out = append(out, c)
		}
	}
	return out
}

// versionDistance computes the weighted major/minor/patch distance
// between two dotted version strings; missing or non-numeric components
// parse as 0.
func versionDistance(a, b string) int {
	aMaj, aMin, aPatch := parseVersion(a)
	bMaj, bMin, bPatch := parseVersion(b)
	return absInt(aMaj-bMaj)*10000 + absInt(aMin-bMin)*100 + absInt(aPatch-bPatch)
}

func parseVersion(v string) (major, minor, patch int) {
	parts := strings.SplitN(v, ".", 3)
	nums := make([]int, 3)
	for i, p := range parts {
		if i >= 3 {
			break
		}
		n := 0
		for _, r := range p {
			if r < '0' || r > '9' {
				n = 0
				break
			}
			n = n*10 + int(r-'0')
		}
		nums[i] = n
	}
	return nums[0], nums[1], nums[2]
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// dimensionOverride narrows one app dimension for a fallback strategy; a
// nil pointer means "leave it unconstrained for this strategy" and ""
// (non-nil, empty) is not used — constraints are either a concrete value
// or entirely absent.
type dimensionOverride struct {
	version     *string
	platform    *string
	environment *string
	language    *string
}

func mergeQuery(base store.CandidateQuery, override dimensionOverride) store.CandidateQuery {
	q := base
	q.AppVersion = override.version
	q.AppPlatform = override.platform
	q.AppEnvironment = override.environment
	q.AppLanguage = override.language
	return q
}

// namedStrategy pairs a fallback strategy's dimension relaxation with the
// name the matching engine reports back (store.Candidate.Strategy) when
// that strategy is the one that produced a match (spec §4.7 "Output:
// zero or one {request, response, strategy, configId}").
type namedStrategy struct {
	name     string
	override dimensionOverride
}

// fallbackStrategies builds the ordered list of dimension relaxations to
// try (spec §4.7 "6 fallback strategies"): exact, version_closest,
// language_en, language_any, platform_any, all_fallback. Each entry
// reflects the rule's match_version/match_language/match_platform flags;
// a rule pinned to exact-only skips the strategies that would relax it,
// and every strategy — including the all_fallback catch-all — relaxes
// only the dimensions the rule actually allows, never forcing a
// wrong-version/platform/language candidate back for a dimension pinned
// to exact.
func fallbackStrategies(req Request, rule *compiledRule) []namedStrategy {
	version := nilIfEmpty(req.AppVersion)
	platform := nilIfEmpty(req.AppPlatform)
	environment := nilIfEmpty(req.AppEnvironment)
	language := nilIfEmpty(req.AppLanguage)
	en := "en"

	relaxVersion := rule == nil || rule.rule.MatchVersion == 0
	relaxLanguage := rule == nil || rule.rule.MatchLanguage == 0
	relaxPlatform := rule == nil || rule.rule.MatchPlatform == 0

	// allowedVersion/allowedPlatform/allowedLanguage return the relaxed
	// (nil) value when the rule permits relaxing that dimension, or the
	// pinned request value otherwise — so every strategy below only ever
	// drops a dimension the rule actually allows it to.
	allowedVersion := func() *string {
		if relaxVersion {
			return nil
		}
		return version
	}
	allowedPlatform := func() *string {
		if relaxPlatform {
			return nil
		}
		return platform
	}
	allowedLanguage := func() *string {
		if relaxLanguage {
			return nil
		}
		return language
	}

	exact := dimensionOverride{version, platform, environment, language}
	strategies := []namedStrategy{{"exact", exact}}

	if relaxVersion {
		strategies = append(strategies, namedStrategy{"version_closest", dimensionOverride{nil, platform, environment, language}})
	}
	if relaxLanguage {
		// language_en: force "en", relaxing version too if the rule allows
		// it (spec §4.7 strategy 3: "force en, version fallback if allowed").
		strategies = append(strategies, namedStrategy{"language_en", dimensionOverride{allowedVersion(), platform, environment, &en}})
		// language_any: no language filter at all.
		strategies = append(strategies, namedStrategy{"language_any", dimensionOverride{version, platform, environment, nil}})
	}
	if relaxPlatform {
		strategies = append(strategies, namedStrategy{"platform_any", dimensionOverride{allowedVersion(), nil, environment, allowedLanguage()}})
	}
	strategies = append(strategies, namedStrategy{"all_fallback", dimensionOverride{allowedVersion(), allowedPlatform(), environment, allowedLanguage()}})

	return strategies
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func ruleStatus(rule *compiledRule) string {
	if rule == nil {
		return "2xx"
	}
	if rule.rule.MatchResponseStatus == "" {
		return "2xx"
	}
	return rule.rule.MatchResponseStatus
}

func applyStatusFilter(q *store.CandidateQuery, spec string) {
	switch spec {
	case "2xx":
		min, max := 200, 300
		q.StatusMin, q.StatusMax = &min, &max
	case "error":
		min := 400
		q.StatusMin = &min
	case "":
	default:
		if n, err := parseStatusCode(spec); err == nil {
			q.StatusExact = &n
		}
	}
}

func parseStatusCode(s string) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errors.New("not a status code")
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}

// scoreAndPickBest scores every candidate on query-param, header, and
// body dot-path agreement and returns the single highest-scoring one,
// breaking ties by the store's existing updated_at-descending order
// (spec §4.7 "ties on total weight then updated_at desc").
func scoreAndPickBest(candidates []store.Candidate, req Request, rule *compiledRule) *store.Candidate {
	type scored struct {
		idx   int
		score int
	}

	var qpNames, headerNames, bodyPaths []string
	if rule != nil {
		qpNames = rule.rule.MatchQueryParams
		headerNames = rule.rule.MatchHeaders
		bodyPaths = rule.rule.MatchBody
	}

	scores := make([]scored, len(candidates))
	for i, c := range candidates {
		scores[i] = scored{idx: i, score: scoreOne(c, req, qpNames, headerNames, bodyPaths)}
	}

	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })
	return &candidates[scores[0].idx]
}

func scoreOne(c store.Candidate, req Request, qpNames, headerNames, bodyPaths []string) int {
	score := 0

	for _, name := range qpNames {
		want, wantOK := req.QueryParams[name]
		got, gotOK := c.Request.QueryParams[name]
		switch {
		case wantOK && gotOK && want == got:
			score += 2
		case !wantOK && !gotOK:
			score += 1
		}
	}

	for _, name := range headerNames {
		want := req.Headers.Get(name)
		got := firstHeaderValue(c.Request.RequestHeaders, name)
		if want != "" && strings.EqualFold(want, got) {
			score += 2
		}
	}

	if len(bodyPaths) > 0 && len(req.Body) > 0 && len(c.Request.RequestBody) > 0 {
		var reqBody, candBody any
		if json.Unmarshal(req.Body, &reqBody) == nil && json.Unmarshal(c.Request.RequestBody, &candBody) == nil {
			for i, path := range bodyPaths {
				weight := len(bodyPaths) - i
				a, aok := dotPath(reqBody, path)
				b, bok := dotPath(candBody, path)
				if aok && bok && deepEqual(a, b) {
					score += weight
				}
			}
		}
	}

	return score
}

func firstHeaderValue(h map[string][]string, name string) string {
	for k, v := range h {
		if strings.EqualFold(k, name) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
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
