package media

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trialpath/chatsync/internal/errors"
	"github.com/trialpath/chatsync/internal/logging"
	"github.com/trialpath/chatsync/internal/models"
)

// writePNG writes a solid-color PNG of the given size into dir.
func writePNG(t *testing.T, dir string, width, height int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: 30, G: 144, B: 255, A: 255})
		}
	}
	path := filepath.Join(dir, "shot.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

// contentStore is a stub upload endpoint recording the last request.
type contentStore struct {
	srv      *httptest.Server
	status   int
	respBody string

	lastKind     string
	lastFilename string
	lastAuth     string
	lastBytes    int
}

func newContentStore(t *testing.T) *contentStore {
	s := &contentStore{status: http.StatusOK, respBody: `{"url":"https://cdn.trialpath.io/a/shot.png"}`}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.lastAuth = r.Header.Get("Authorization")
		require.NoError(t, r.ParseMultipartForm(32<<20))
		s.lastKind = r.FormValue("kind")
		file, header, err := r.FormFile("file")
		if err == nil {
			s.lastFilename = header.Filename
			data, _ := io.ReadAll(file)
			s.lastBytes = len(data)
			file.Close()
		}
		w.WriteHeader(s.status)
		_, _ = w.Write([]byte(s.respBody))
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func TestUploadImage(t *testing.T) {
	store := newContentStore(t)
	g := NewHTTPGateway(store.srv.URL, "token-1", logging.Component("media-test"))

	path := writePNG(t, t.TempDir(), 640, 480)
	result, err := g.Upload(context.Background(), UploadRequest{LocalPath: path, Kind: models.MessageTypeImage})
	require.NoError(t, err)

	assert.Equal(t, "https://cdn.trialpath.io/a/shot.png", result.URL)
	assert.Equal(t, "png", result.Format)
	assert.Equal(t, 640, result.Width)
	assert.Equal(t, 480, result.Height)
	assert.Positive(t, result.Bytes)

	assert.Equal(t, "image", store.lastKind)
	assert.Equal(t, "shot.png", store.lastFilename)
	assert.Equal(t, "Bearer token-1", store.lastAuth)
}

// TestUploadResizesOversizedImage verifies images above the dimension cap
// are downscaled and re-encoded before leaving the device.
func TestUploadResizesOversizedImage(t *testing.T) {
	store := newContentStore(t)
	g := NewHTTPGateway(store.srv.URL, "", logging.Component("media-test"))

	path := writePNG(t, t.TempDir(), 2400, 1200)
	result, err := g.Upload(context.Background(), UploadRequest{LocalPath: path, Kind: models.MessageTypeImage})
	require.NoError(t, err)

	assert.Equal(t, "jpg", result.Format)
	assert.Equal(t, maxImageDimension, result.Width)
	assert.Equal(t, 960, result.Height)
	assert.Equal(t, int(result.Bytes), store.lastBytes)
}

func TestUploadDocumentAcceptsAnyFormat(t *testing.T) {
	store := newContentStore(t)
	g := NewHTTPGateway(store.srv.URL, "", logging.Component("media-test"))

	path := filepath.Join(t.TempDir(), "pitch.txt")
	require.NoError(t, os.WriteFile(path, []byte("season highlights attached"), 0o600))

	result, err := g.Upload(context.Background(), UploadRequest{LocalPath: path, Kind: models.MessageTypeDocument})
	require.NoError(t, err)
	assert.Equal(t, "txt", result.Format)
	assert.Equal(t, "document", store.lastKind)
}

func TestUploadRejectsKindMismatch(t *testing.T) {
	store := newContentStore(t)
	g := NewHTTPGateway(store.srv.URL, "", logging.Component("media-test"))

	path := filepath.Join(t.TempDir(), "fake.png")
	require.NoError(t, os.WriteFile(path, []byte("this is plain text, not pixels"), 0o600))

	_, err := g.Upload(context.Background(), UploadRequest{LocalPath: path, Kind: models.MessageTypeImage})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnsupportedMedia))
}

func TestUploadMissingFile(t *testing.T) {
	store := newContentStore(t)
	g := NewHTTPGateway(store.srv.URL, "", logging.Component("media-test"))

	_, err := g.Upload(context.Background(), UploadRequest{
		LocalPath: filepath.Join(t.TempDir(), "gone.png"),
		Kind:      models.MessageTypeImage,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUploadFailed))
}

func TestUploadServerError(t *testing.T) {
	store := newContentStore(t)
	store.status = http.StatusInternalServerError
	store.respBody = "boom"
	g := NewHTTPGateway(store.srv.URL, "", logging.Component("media-test"))

	path := writePNG(t, t.TempDir(), 64, 64)
	_, err := g.Upload(context.Background(), UploadRequest{LocalPath: path, Kind: models.MessageTypeImage})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUploadFailed))
}

func TestUploadUnreachableServer(t *testing.T) {
	g := NewHTTPGateway("http://127.0.0.1:1", "", logging.Component("media-test"))

	path := writePNG(t, t.TempDir(), 64, 64)
	_, err := g.Upload(context.Background(), UploadRequest{LocalPath: path, Kind: models.MessageTypeImage})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUploadFailed))
}

func TestUploadMalformedResponse(t *testing.T) {
	store := newContentStore(t)
	store.respBody = "not json"
	g := NewHTTPGateway(store.srv.URL, "", logging.Component("media-test"))

	path := writePNG(t, t.TempDir(), 64, 64)
	_, err := g.Upload(context.Background(), UploadRequest{LocalPath: path, Kind: models.MessageTypeImage})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUploadFailed))
}

func TestUploadResponseWithoutURL(t *testing.T) {
	store := newContentStore(t)
	store.respBody = `{"duration":1.5}`
	g := NewHTTPGateway(store.srv.URL, "", logging.Component("media-test"))

	path := writePNG(t, t.TempDir(), 64, 64)
	_, err := g.Upload(context.Background(), UploadRequest{LocalPath: path, Kind: models.MessageTypeImage})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUploadFailed))
}
