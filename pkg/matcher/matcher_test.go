package matcher

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/fihtony/dproxy/pkg/store"
)

func seedEngine(t *testing.T, rules []store.EndpointMatchingConfig, candidates []store.Candidate) (*Engine, *store.MemoryRecordStore) {
	t.Helper()
	s := store.NewMemoryRecordStore()
	s.SeedRules(rules)
	for _, c := range candidates {
		req := c.Request
		id, err := s.UpsertRequest(context.Background(), &req, nil)
		if err != nil {
			t.Fatalf("seed upsert: %v", err)
		}
		resp := c.Response
		if err := s.PutResponse(context.Background(), id, &resp); err != nil {
			t.Fatalf("seed put response: %v", err)
		}
	}
	e := New(s)
	if err := e.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	return e, s
}

func baseRule() store.EndpointMatchingConfig {
	return store.EndpointMatchingConfig{
		ID:              1,
		HTTPMethod:      "*",
		EndpointPattern: "/v1/profile",
		Regex:           false,
		Priority:        10,
		Enabled:         true,
		Type:            "replay",
	}
}

func candidateWithVersion(version string, status int) store.Candidate {
	return store.Candidate{
		Request: store.APIRequest{
			Method:       "GET",
			EndpointPath: "/v1/profile",
			AppVersion:   version,
		},
		Response: store.APIResponse{
			ResponseStatus: status,
			ResponseBody:   []byte(`{"version":"` + version + `"}`),
		},
	}
}

func TestMatch_VersionClosest_PicksNearestNumerically(t *testing.T) {
	e, _ := seedEngine(t, []store.EndpointMatchingConfig{baseRule()}, []store.Candidate{
		candidateWithVersion("1.0.0", 200),
		candidateWithVersion("2.5.0", 200),
		candidateWithVersion("3.0.0", 200),
	})

	got, err := e.Match(context.Background(), Request{
		Method:     "GET",
		Path:       "/v1/profile",
		AppVersion: "2.4.9",
	})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if got.Request.AppVersion != "2.5.0" {
		t.Fatalf("expected closest version 2.5.0, got %s", got.Request.AppVersion)
	}
}

func TestMatch_VersionClosest_ExactBeatsRelaxed(t *testing.T) {
	e, _ := seedEngine(t, []store.EndpointMatchingConfig{baseRule()}, []store.Candidate{
		candidateWithVersion("1.0.0", 200),
		candidateWithVersion("2.0.0", 200),
	})

	got, err := e.Match(context.Background(), Request{
		Method:     "GET",
		Path:       "/v1/profile",
		AppVersion: "2.0.0",
	})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if got.Request.AppVersion != "2.0.0" {
		t.Fatalf("expected exact match 2.0.0, got %s", got.Request.AppVersion)
	}
}

func TestMatch_NoMatch_ReturnsErrNoMatch(t *testing.T) {
	e, _ := seedEngine(t, []store.EndpointMatchingConfig{baseRule()}, nil)

	_, err := e.Match(context.Background(), Request{
		Method: "GET",
		Path:   "/v1/profile",
	})
	if err != ErrNoMatch {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
}

func TestVersionDistance(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0.0", "1.0.1", 1},
		{"1.0.0", "1.1.0", 100},
		{"1.0.0", "2.0.0", 10000},
		{"2.4.9", "2.5.0", 109},
		{"", "1.0.0", 10000},
	}
	for _, c := range cases {
		got := versionDistance(c.a, c.b)
		if got != c.want {
			t.Errorf("versionDistance(%q, %q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestClosestVersionGroup_KeepsTies(t *testing.T) {
	candidates := []store.Candidate{
		candidateWithVersion("2.4.0", 200),
		candidateWithVersion("2.6.0", 200),
		candidateWithVersion("1.0.0", 200),
	}

	got := closestVersionGroup(candidates, "2.5.0")
	if len(got) != 2 {
		t.Fatalf("expected 2 tied candidates, got %d", len(got))
	}
	for _, c := range got {
		if c.Request.AppVersion != "2.4.0" && c.Request.AppVersion != "2.6.0" {
			t.Errorf("unexpected candidate in tied group: %s", c.Request.AppVersion)
		}
	}
}

func TestScoreAndPickBest_BodyDotPathBreaksTie(t *testing.T) {
	rule := &compiledRule{rule: store.EndpointMatchingConfig{
		MatchBody: []string{"user.id"},
	}}

	candidates := []store.Candidate{
		{
			Request: store.APIRequest{
				RequestBody: []byte(`{"user":{"id":"other"}}`),
			},
		},
		{
			Request: store.APIRequest{
				RequestBody: []byte(`{"user":{"id":"42"}}`),
			},
		},
	}

	req := Request{Body: []byte(`{"user":{"id":"42"}}`)}
	best := scoreAndPickBest(candidates, req, rule)

	var decoded struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	if err := json.Unmarshal(best.Request.RequestBody, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.User.ID != "42" {
		t.Fatalf("expected candidate with matching user.id, got %s", decoded.User.ID)
	}
}
