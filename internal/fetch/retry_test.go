package fetch

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestRetryFetcherRetriesNetworkFailures(t *testing.T) {
	calls := 0
	inner := FetcherFunc(func(ctx context.Context, req *Request) (*Response, error) {
		calls++
		if calls < 3 {
			return nil, &NetworkError{URL: req.URL.String(), Err: errors.New("connection refused")}
		}
		return &Response{Status: http.StatusOK}, nil
	})

	fetcher := NewRetryFetcher(inner, 3, time.Millisecond)
	req, _ := NewRequest(http.MethodGet, "https://app.example.com/")
	resp, err := fetcher.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.Status)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryFetcherStopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := errors.New("bad request construction")
	inner := FetcherFunc(func(ctx context.Context, req *Request) (*Response, error) {
		calls++
		return nil, permanent
	})

	fetcher := NewRetryFetcher(inner, 5, time.Millisecond)
	req, _ := NewRequest(http.MethodGet, "https://app.example.com/")
	if _, err := fetcher.Fetch(context.Background(), req); !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("non-network errors must not be retried, got %d attempts", calls)
	}
}

func TestRetryFetcherGivesUpAfterMaxRetries(t *testing.T) {
	calls := 0
	inner := FetcherFunc(func(ctx context.Context, req *Request) (*Response, error) {
		calls++
		return nil, &NetworkError{URL: "https://cdn.example.com", Err: errors.New("timeout")}
	})

	fetcher := NewRetryFetcher(inner, 2, time.Millisecond)
	req, _ := NewRequest(http.MethodGet, "https://cdn.example.com")
	if _, err := fetcher.Fetch(context.Background(), req); !IsNetworkFailure(err) {
		t.Fatalf("expected network failure, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected initial attempt plus 2 retries, got %d", calls)
	}
}
