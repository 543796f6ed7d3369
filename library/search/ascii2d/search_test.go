package ascii2d

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Laisky/img-searcher/library/search"
)

const homePage = `<html><head>
<meta name="csrf-token" content="tok-abc123" />
</head><body></body></html>`

type fakeUploader struct {
	hosted string
	called bool
}

func (f *fakeUploader) Upload(_ context.Context, _ []byte) (string, error) {
	f.called = true
	return f.hosted, nil
}

func newSearchServer(t *testing.T, uriHandler http.HandlerFunc) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(homePage))
	})
	mux.HandleFunc("/search/uri", uriHandler)
	mux.HandleFunc("/search/color/abc", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(resultsPage))
	})
	mux.HandleFunc("/search/bovw/abc", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(resultsPage))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSearchByURL(t *testing.T) {
	t.Parallel()

	var sawToken atomic.Bool
	srv := newSearchServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "https://files.example.com/q.jpg", r.FormValue("uri"))
		if r.FormValue("authenticity_token") == "tok-abc123" {
			sawToken.Store(true)
		}
		w.Header().Set("Location", "/search/color/abc")
		w.WriteHeader(http.StatusFound)
	})

	uploader := &fakeUploader{hosted: "https://files.example.com/hosted.jpg"}
	engine := New(uploader, WithBaseURL(srv.URL), WithBackoff(0))

	result, err := engine.Search(context.Background(), &search.Request{
		URL: "https://files.example.com/q.jpg",
	})
	require.NoError(t, err)
	require.False(t, result.Empty())
	require.True(t, sawToken.Load())
	require.False(t, uploader.called, "url input must not be re-hosted")
}

func TestSearchHostsFileBytes(t *testing.T) {
	t.Parallel()

	srv := newSearchServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "https://files.example.com/hosted.jpg", r.FormValue("uri"))
		w.Header().Set("Location", "/search/color/abc")
		w.WriteHeader(http.StatusFound)
	})

	uploader := &fakeUploader{hosted: "https://files.example.com/hosted.jpg"}
	engine := New(uploader, WithBaseURL(srv.URL), WithBackoff(0))

	result, err := engine.Search(context.Background(), &search.Request{
		File: []byte("raw-image"),
	})
	require.NoError(t, err)
	require.False(t, result.Empty())
	require.True(t, uploader.called)
}

func TestSearchRetriesGatewayErrors(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := newSearchServer(t, func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Location", "/search/color/abc")
		w.WriteHeader(http.StatusFound)
	})

	engine := New(&fakeUploader{}, WithBaseURL(srv.URL), WithBackoff(0))
	result, err := engine.Search(context.Background(), &search.Request{
		URL: "https://files.example.com/q.jpg",
	})
	require.NoError(t, err)
	require.False(t, result.Empty())
	require.EqualValues(t, 3, attempts.Load())
}

func TestSearchGivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := newSearchServer(t, func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	engine := New(&fakeUploader{}, WithBaseURL(srv.URL), WithBackoff(0))
	_, err := engine.Search(context.Background(), &search.Request{
		URL: "https://files.example.com/q.jpg",
	})

	var provErr *search.ProviderError
	require.ErrorAs(t, err, &provErr)
	require.Equal(t, search.KindStatus, provErr.Kind)
	require.EqualValues(t, maxSearchAttempts, attempts.Load())
}

func TestSearchBovwSwitchesResultPage(t *testing.T) {
	t.Parallel()

	var bovwFetched atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(homePage))
	})
	mux.HandleFunc("/search/uri", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Location", "/search/color/abc")
		w.WriteHeader(http.StatusFound)
	})
	mux.HandleFunc("/search/bovw/abc", func(w http.ResponseWriter, _ *http.Request) {
		bovwFetched.Store(true)
		_, _ = w.Write([]byte(resultsPage))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	engine := New(&fakeUploader{}, WithBaseURL(srv.URL), WithBackoff(0))
	result, err := engine.Search(context.Background(), &search.Request{
		URL:  "https://files.example.com/q.jpg",
		Opts: search.Options{Bovw: true},
	})
	require.NoError(t, err)
	require.False(t, result.Empty())
	require.True(t, bovwFetched.Load())
}

func TestSearchBlockedByBotCheck(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	engine := New(&fakeUploader{}, WithBaseURL(srv.URL), WithBackoff(0))
	_, err := engine.Search(context.Background(), &search.Request{
		URL: "https://files.example.com/q.jpg",
	})

	var provErr *search.ProviderError
	require.ErrorAs(t, err, &provErr)
	require.Equal(t, search.KindBlocked, provErr.Kind)
}
