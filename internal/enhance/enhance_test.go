package enhance

import (
	"context"
	"errors"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/contractocr/internal/document"
	"github.com/local/contractocr/internal/imageutil"
	"github.com/local/contractocr/internal/tile"
)

func fiveTiles(t *testing.T) []document.Tile {
	t.Helper()
	tiles, err := tile.Cut(document.NewPage(0, imageutil.Blank(50, 1000), 300), tile.DefaultSettings())
	require.NoError(t, err)
	return tiles
}

// failOne fails only for the target tile image.
type failOne struct{ target image.Image }

func (f failOne) Name() string { return "failone" }

func (f failOne) Enhance(ctx context.Context, img image.Image) (image.Image, error) {
	if img == f.target {
		return nil, errors.New("timeout from model")
	}
	return imageutil.Scale(img, 2), nil
}

func TestOneFailingTileDoesNotFailThePage(t *testing.T) {
	tiles := fiveTiles(t)
	require.NoError(t, Tiles(context.Background(), failOne{target: tiles[3].Image}, tiles, 0))
	var ok []int
	for _, tl := range tiles {
		if tl.Enhanced {
			ok = append(ok, tl.Index)
		}
	}
	assert.Equal(t, []int{0, 1, 2, 4}, ok)
	assert.False(t, tiles[3].Enhanced)
	assert.NotEmpty(t, tiles[3].EnhanceErr)
}

func TestTilesStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Tiles(ctx, Resampler{Factor: 2}, fiveTiles(t), 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRemoteEnhancer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "DRCT-L", r.Header.Get("X-Model"))
		assert.Equal(t, "image/png", r.Header.Get("Content-Type"))
		b, _ := io.ReadAll(r.Body)
		img, err := imageutil.Decode(b)
		require.NoError(t, err)
		out, _ := imageutil.EncodePNG(imageutil.Scale(img, 4))
		_, _ = w.Write(out)
	}))
	defer srv.Close()

	out, err := NewRemote(srv.URL, "", 0, srv.Client()).Enhance(context.Background(), imageutil.Blank(10, 6))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(40, 24), out.Bounds().Size())
}

func TestRemoteRejectsBadResponses(t *testing.T) {
	tests := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "gpu busy", http.StatusServiceUnavailable)
		},
		"not an image": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("hello"))
		},
		"not larger": func(w http.ResponseWriter, r *http.Request) {
			b, _ := io.ReadAll(r.Body)
			_, _ = w.Write(b)
		},
	}
	for name, h := range tests {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()
			_, err := NewRemote(srv.URL, "DRCT-L", 0, srv.Client()).Enhance(context.Background(), imageutil.Blank(8, 8))
			assert.Error(t, err)
		})
	}
}
