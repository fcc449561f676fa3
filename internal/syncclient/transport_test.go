package syncclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kasirsync/internal/domain"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"service unavailable", &StatusError{StatusCode: http.StatusServiceUnavailable}, true},
		{"internal error", &StatusError{StatusCode: http.StatusInternalServerError}, true},
		{"rate limited", &StatusError{StatusCode: http.StatusTooManyRequests}, true},
		{"request timeout", &StatusError{StatusCode: http.StatusRequestTimeout}, true},
		{"bad request", &StatusError{StatusCode: http.StatusBadRequest}, false},
		{"unauthorized", &StatusError{StatusCode: http.StatusUnauthorized}, false},
		{"conflict", &StatusError{StatusCode: http.StatusConflict}, false},
		{"wrapped 502", fmt.Errorf("upload: %w", &StatusError{StatusCode: http.StatusBadGateway}), true},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"plain", errors.New("decode failed"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	require.Equal(t, 100*time.Millisecond, Backoff(base, 0))
	require.Equal(t, 200*time.Millisecond, Backoff(base, 1))
	require.Equal(t, 800*time.Millisecond, Backoff(base, 3))
	require.Equal(t, maxBackoff, Backoff(base, 12))
	require.Equal(t, maxBackoff, Backoff(base, 63))
}

func TestHTTPTransport_StatusErrorCarriesServerMessage(t *testing.T) {
	gotAuth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid input: batch of 900 sales exceeds limit 500"}`))
	}))
	defer srv.Close()

	transport := NewHTTPTransport(srv.URL, StaticToken("tok-1"), time.Second)
	_, err := transport.UploadSales(context.Background(), domain.SaleUploadRequest{})

	require.Equal(t, "Bearer tok-1", <-gotAuth)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	require.Contains(t, statusErr.Message, "exceeds limit")
	require.False(t, IsTransient(err))
}

func TestHTTPTransport_ConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	transport := NewHTTPTransport(url, nil, time.Second)
	_, err := transport.PullCatalog(context.Background(), domain.CatalogPullRequest{})
	require.Error(t, err)
	require.True(t, IsTransient(err), "error %v", err)
}
