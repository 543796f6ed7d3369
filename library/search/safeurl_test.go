package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsImageURL(t *testing.T) {
	t.Parallel()

	for _, link := range []string{
		"https://example.com/a.jpg",
		"https://example.com/b.PNG",
		"https://cdn.example.com/deep/path/c.webp",
	} {
		require.True(t, IsImageURL(link), link)
	}

	for _, link := range []string{
		"http://example.com/a.jpg",
		"https://example.com/a.jpg?size=large",
		"https://example.com/page.html",
		"ftp://example.com/a.png",
		"not a url",
	} {
		require.False(t, IsImageURL(link), link)
	}
}

func TestIsSafeURL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	// localhost resolves to loopback without touching external DNS.
	require.False(t, IsSafeURL(ctx, "https://localhost/a.jpg"))
	require.False(t, IsSafeURL(ctx, "https://127.0.0.1/a.jpg"))
	require.False(t, IsSafeURL(ctx, "https://[::1]/a.jpg"))
	require.False(t, IsSafeURL(ctx, "https://10.0.0.8/a.jpg"))
	require.False(t, IsSafeURL(ctx, "https://192.168.1.20/a.jpg"))
	require.False(t, IsSafeURL(ctx, "ftp://example.com/a.jpg"))
	require.False(t, IsSafeURL(ctx, "https://"))
}
