package github

import (
	"errors"
	"net/http"
	"testing"
	"time"

	gh "github.com/google/go-github/v57/github"

	"github.com/octoqueue/imq/internal/gateway"
)

func TestClassifyMapsErrorResponseStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   gateway.ErrorKind
	}{
		{"unauthorized", http.StatusUnauthorized, gateway.KindUnauthorized},
		{"forbidden", http.StatusForbidden, gateway.KindForbidden},
		{"not found", http.StatusNotFound, gateway.KindNotFound},
		{"server error", http.StatusInternalServerError, gateway.KindHTTPOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			respErr := &gh.ErrorResponse{
				Response: &http.Response{StatusCode: tt.status},
				Message:  "boom",
			}
			err := classify(respErr)
			var gerr *gateway.Error
			if !errors.As(err, &gerr) {
				t.Fatalf("expected a *gateway.Error, got %v", err)
			}
			if gerr.Kind != tt.want {
				t.Fatalf("expected kind %v, got %v", tt.want, gerr.Kind)
			}
			if gerr.Status != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, gerr.Status)
			}
		})
	}
}

func TestClassifyMapsRateLimitError(t *testing.T) {
	resetAt := time.Now().Add(time.Hour)
	rateErr := &gh.RateLimitError{
		Rate: gh.Rate{Reset: gh.Timestamp{Time: resetAt}},
	}
	err := classify(rateErr)
	var gerr *gateway.Error
	if !errors.As(err, &gerr) {
		t.Fatalf("expected a *gateway.Error, got %v", err)
	}
	if gerr.Kind != gateway.KindRateLimit {
		t.Fatalf("expected KindRateLimit, got %v", gerr.Kind)
	}
	if !gerr.ResetAt.Equal(resetAt) {
		t.Fatalf("expected ResetAt %v, got %v", resetAt, gerr.ResetAt)
	}
}

func TestClassifyMapsAbuseRateLimitError(t *testing.T) {
	err := classify(&gh.AbuseRateLimitError{Message: "secondary rate limit"})
	var gerr *gateway.Error
	if !errors.As(err, &gerr) {
		t.Fatalf("expected a *gateway.Error, got %v", err)
	}
	if gerr.Kind != gateway.KindRateLimit {
		t.Fatalf("expected KindRateLimit, got %v", gerr.Kind)
	}
}

func TestClassifyNilIsNil(t *testing.T) {
	if err := classify(nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestClassifyFallsBackToHTTPOtherForUnrecognizedErrors(t *testing.T) {
	err := classify(errors.New("connection reset by peer"))
	var gerr *gateway.Error
	if !errors.As(err, &gerr) {
		t.Fatalf("expected a *gateway.Error, got %v", err)
	}
	if gerr.Kind != gateway.KindHTTPOther {
		t.Fatalf("expected KindHTTPOther, got %v", gerr.Kind)
	}
}

func TestRefBranchStripsHeadsPrefix(t *testing.T) {
	tests := []struct{ ref, want string }{
		{"refs/heads/main", "main"},
		{"refs/heads/feature/x", "feature/x"},
		{"main", "main"},
		{"refs/tags/v1.0.0", "refs/tags/v1.0.0"},
	}
	for _, tt := range tests {
		if got := refBranch(tt.ref); got != tt.want {
			t.Fatalf("refBranch(%q) = %q, want %q", tt.ref, got, tt.want)
		}
	}
}
