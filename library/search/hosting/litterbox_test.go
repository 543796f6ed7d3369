package hosting

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLitterboxUpload(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Equal(t, "fileupload", r.FormValue("reqtype"))
		require.Equal(t, "1h", r.FormValue("time"))

		file, header, err := r.FormFile("fileToUpload")
		require.NoError(t, err)
		defer file.Close()
		require.Equal(t, "image.jpg", header.Filename)

		data, err := io.ReadAll(file)
		require.NoError(t, err)
		require.Equal(t, []byte("fake-image"), data)

		_, _ = w.Write([]byte("https://litter.catbox.moe/abc123.jpg\n"))
	}))
	defer srv.Close()

	lb := NewLitterbox(srv.Client(), WithEndpoint(srv.URL))
	hosted, err := lb.Upload(context.Background(), []byte("fake-image"))
	require.NoError(t, err)
	require.Equal(t, "https://litter.catbox.moe/abc123.jpg", hosted)
}

func TestLitterboxUploadRejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("down for maintenance"))
	}))
	defer srv.Close()

	lb := NewLitterbox(srv.Client(), WithEndpoint(srv.URL))
	_, err := lb.Upload(context.Background(), []byte("fake-image"))

	var uploadErr *UploadError
	require.ErrorAs(t, err, &uploadErr)
	require.Equal(t, http.StatusServiceUnavailable, uploadErr.StatusCode)
}

func TestLitterboxUploadRejectsNonURLBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	lb := NewLitterbox(srv.Client(), WithEndpoint(srv.URL))
	_, err := lb.Upload(context.Background(), []byte("fake-image"))

	var uploadErr *UploadError
	require.ErrorAs(t, err, &uploadErr)
}

func TestLitterboxEmptyPayload(t *testing.T) {
	t.Parallel()

	lb := NewLitterbox(nil)
	_, err := lb.Upload(context.Background(), nil)
	require.Error(t, err)
}
