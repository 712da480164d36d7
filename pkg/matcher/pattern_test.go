package matcher

import "testing"

func TestCompilePattern_GlobWithParam(t *testing.T) {
	re, err := compilePattern("/v1/users/:id/profile", false)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !re.MatchString("/v1/users/42/profile") {
		t.Errorf("expected match for param segment")
	}
	if re.MatchString("/v1/users/42/43/profile") {
		t.Errorf("param segment must not span a slash")
	}
}

func TestCompilePattern_GlobWithWildcard(t *testing.T) {
	re, err := compilePattern("/v1/assets/*", false)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !re.MatchString("/v1/assets/images/logo.png") {
		t.Errorf("expected wildcard to match nested path")
	}
}

func TestCompilePattern_Regex(t *testing.T) {
	re, err := compilePattern(`/v1/orders/\d+`, true)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !re.MatchString("/v1/orders/123") {
		t.Errorf("expected regex match")
	}
	if re.MatchString("/v1/orders/abc") {
		t.Errorf("regex should not match non-numeric id")
	}
}

func TestCompilePattern_CaseInsensitive(t *testing.T) {
	re, err := compilePattern("/v1/Profile", false)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !re.MatchString("/v1/profile") {
		t.Errorf("expected case-insensitive match")
	}
}
