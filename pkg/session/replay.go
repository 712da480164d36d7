package session

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fihtony/dproxy/pkg/trafficconfig"
)

// replayIssuer and replayAudience match the values the replay JWT always
// carries (spec §4.8 "replay-mode HS256 JWT token substitution").
const (
	replayIssuer   = "dproxy-replay-mode"
	replayAudience = "dproxy"
)

// JWTSigner mints replay-mode substitution tokens. The signing key is
// process-local: replay tokens are never presented to a real upstream
// identity provider, only replayed back to the same proxy instance that
// issued them.
type JWTSigner struct {
	key []byte
}

// NewJWTSigner creates a signer using key for HS256 signing.
func NewJWTSigner(key []byte) *JWTSigner {
	return &JWTSigner{key: key}
}

// replayClaims is the claim set spec §4.8 mandates: sub, sessionId, iat,
// exp, iss, aud.
type replayClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sessionId"`
}

// IssueReplayToken mints a short-lived HS256 token standing in for the
// original upstream bearer token during replay.
func (s *JWTSigner) IssueReplayToken(userID, sessionID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := replayClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("user-%s", userID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    replayIssuer,
			Audience:  jwt.ClaimStrings{replayAudience},
		},
		SessionID: sessionID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.key)
}

// ApplyLatency sleeps for the duration the replay latency rule
// prescribes (spec §4.8 "replay latency shaping":
// instant/average/fixed/random). A nil rule or "instant" mode is a no-op.
func ApplyLatency(ctx context.Context, rule *trafficconfig.ReplayLatencyRule, observedAvgMs int64) {
	if rule == nil {
		return
	}
	var d time.Duration
	switch rule.Mode {
	case "average":
		d = time.Duration(observedAvgMs) * time.Millisecond
	case "fixed":
		ms := rule.FixedMs
		if ms < 5 {
			ms = 5
		}
		if ms > 30000 {
			ms = 30000
		}
		d = time.Duration(ms) * time.Millisecond
	case "random":
		lo, hi := rule.MinMs, rule.MaxMs
		if hi <= lo {
			hi = lo + 1
		}
		d = time.Duration(lo+rand.Intn(hi-lo)) * time.Millisecond
	default: // "instant" or unrecognized
		return
	}

	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
