package yandex

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Laisky/img-searcher/library/search"
)

const appStateJSON = `{
	"initialState": {
		"cbirSites": {
			"sites": [
				{"title": "Poster shop", "description": "buy this poster", "url": "https://shop.example.com/p", "domain": "shop.example.com", "thumb": {"url": "//thumbs.example.com/p.jpg"}},
				{"title": "", "url": "https://blog.example.com/w", "domain": "blog.example.com", "originalImage": {"url": "https://blog.example.com/w.jpg"}},
				{"title": "no url entry", "url": ""}
			]
		}
	}
}`

func imageviewPage() string {
	return fmt.Sprintf(
		`<html><body><div class="Root" id="ImagesApp-abc123" data-state='%s'></div></body></html>`,
		appStateJSON)
}

type fakeUploader struct {
	hosted string
	called bool
}

func (f *fakeUploader) Upload(_ context.Context, _ []byte) (string, error) {
	f.called = true
	return f.hosted, nil
}

func TestSearchParsesSites(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/images/search", r.URL.Path)
		require.Equal(t, "imageview", r.URL.Query().Get("rpt"))
		require.Equal(t, "https://example.com/q.jpg", r.URL.Query().Get("url"))
		_, _ = w.Write([]byte(imageviewPage()))
	}))
	t.Cleanup(srv.Close)

	engine := New(srv.Client(), &fakeUploader{},
		WithBaseURLs(srv.URL, ""), WithRegionFailover(false))
	result, err := engine.Search(context.Background(), &search.Request{
		URL: "https://example.com/q.jpg",
	})
	require.NoError(t, err)
	require.Len(t, result.Items, 2, "sites without a url are dropped")

	first := result.Items[0]
	require.Equal(t, "Poster shop", first.Title)
	require.Equal(t, "https://shop.example.com/p", first.URL)
	require.Equal(t, "shop.example.com", first.Author)
	require.Equal(t, "https://thumbs.example.com/p.jpg", first.Thumbnail)
	require.Equal(t, "buy this poster", first.ExtraInfo)

	second := result.Items[1]
	require.Equal(t, "No Title", second.Title)
	require.Equal(t, "https://blog.example.com/w.jpg", second.Thumbnail)
}

func TestSearchFailsOverToSecondRegion(t *testing.T) {
	t.Parallel()

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(primary.Close)

	var failoverHit atomic.Bool
	failover := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		failoverHit.Store(true)
		_, _ = w.Write([]byte(imageviewPage()))
	}))
	t.Cleanup(failover.Close)

	engine := New(primary.Client(), &fakeUploader{},
		WithBaseURLs(primary.URL, failover.URL))
	result, err := engine.Search(context.Background(), &search.Request{
		URL: "https://example.com/q.jpg",
	})
	require.NoError(t, err)
	require.False(t, result.Empty())
	require.True(t, failoverHit.Load())
}

func TestSearchDoubleFailureReportsPrimaryError(t *testing.T) {
	t.Parallel()

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(primary.Close)

	failover := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(failover.Close)

	engine := New(primary.Client(), &fakeUploader{},
		WithBaseURLs(primary.URL, failover.URL))
	_, err := engine.Search(context.Background(), &search.Request{
		URL: "https://example.com/q.jpg",
	})

	// The primary's 403 wins over the failover's 500.
	var provErr *search.ProviderError
	require.ErrorAs(t, err, &provErr)
	require.Equal(t, search.KindBlocked, provErr.Kind)
}

func TestSearchFailoverDisabled(t *testing.T) {
	t.Parallel()

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(primary.Close)

	var failoverHit atomic.Bool
	failover := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		failoverHit.Store(true)
		_, _ = w.Write([]byte(imageviewPage()))
	}))
	t.Cleanup(failover.Close)

	engine := New(primary.Client(), &fakeUploader{},
		WithBaseURLs(primary.URL, failover.URL), WithRegionFailover(false))
	_, err := engine.Search(context.Background(), &search.Request{
		URL: "https://example.com/q.jpg",
	})
	require.Error(t, err)
	require.False(t, failoverHit.Load())
}

func TestSearchHostsFileBytes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "https://files.example.com/hosted.jpg", r.URL.Query().Get("url"))
		_, _ = w.Write([]byte(imageviewPage()))
	}))
	t.Cleanup(srv.Close)

	uploader := &fakeUploader{hosted: "https://files.example.com/hosted.jpg"}
	engine := New(srv.Client(), uploader,
		WithBaseURLs(srv.URL, ""), WithRegionFailover(false))
	_, err := engine.Search(context.Background(), &search.Request{
		File: []byte("raw-image"),
	})
	require.NoError(t, err)
	require.True(t, uploader.called)
}

func TestParseDegradesGracefully(t *testing.T) {
	t.Parallel()

	result := Parse(&search.RawResponse{Body: []byte("<html><body>captcha</body></html>")})
	require.True(t, result.Empty())
	require.Equal(t, "no application state found", result.Note)

	result = Parse(nil)
	require.True(t, result.Empty())
}
