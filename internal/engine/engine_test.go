package engine

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "gocloud.dev/blob/fileblob"

	"github.com/geoyee/tilevault/internal/calculator"
	"github.com/geoyee/tilevault/internal/config"
	"github.com/geoyee/tilevault/internal/discovery"
	"github.com/geoyee/tilevault/internal/download"
	"github.com/geoyee/tilevault/internal/ledger"
	"github.com/geoyee/tilevault/internal/model"
	"github.com/geoyee/tilevault/internal/pyramid"
)

var world = orb.Bound{Min: orb.Point{-180, -85}, Max: orb.Point{180, 85}}

func pngTile(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 256, 256))
	for y := 0; y < 256; y++ {
		for x := 0; x < 256; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.AppDir = t.TempDir()
	cfg.MinFileSize = 0
	cfg.Retries = 0
	e, err := New(cfg, nil, prometheus.NewRegistry())
	require.NoError(t, err)
	return e
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Workers = 0
	_, err := New(cfg, nil, nil)
	assert.Error(t, err)
}

func TestParseBBox(t *testing.T) {
	b, err := ParseBBox("1.5, 2,3,4")
	require.NoError(t, err)
	assert.Equal(t, orb.Bound{Min: orb.Point{1.5, 2}, Max: orb.Point{3, 4}}, b)

	_, err = ParseBBox("1,2,3")
	assert.Error(t, err)
	_, err = ParseBBox("1,2,x,4")
	assert.Error(t, err)
}

func TestIsBucketURL(t *testing.T) {
	assert.False(t, IsBucketURL("https://tile.example/{z}/{x}/{y}.png"))
	assert.False(t, IsBucketURL("http://tile.example/{z}/{x}/{y}.png"))
	assert.True(t, IsBucketURL("file:///data/tiles"))
	assert.True(t, IsBucketURL("s3://bucket?region=eu-west-1"))
	assert.False(t, IsBucketURL("relative/path"))
}

func TestPlan(t *testing.T) {
	e := newEngine(t)

	_, err := e.Plan(&DownloadRequest{Bound: world})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = e.Plan(&DownloadRequest{Source: "http://x/{z}", Family: "nope", Bound: world})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = e.Plan(&DownloadRequest{Source: "http://x/{z}", Bound: world, MinZoom: 3, MaxZoom: 1})
	assert.ErrorIs(t, err, calculator.ErrInvalidZoomRange)

	job, err := e.Plan(&DownloadRequest{Source: "http://x/{z}", Bound: world, MaxZoom: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(5), job.TotalTiles)
	assert.Equal(t, 8, job.WorkerCount)
	assert.Equal(t, DefaultTileSize, job.TileSize)
	assert.Equal(t, "generic", job.Source.Family)
}

func TestDownloadFromHTTPThenDiscover(t *testing.T) {
	tile := pngTile(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/1/1/1.png" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(tile)
	}))
	defer srv.Close()

	e := newEngine(t)
	feed := download.NewProgressFeed()
	outcome, err := e.Download(context.Background(), &DownloadRequest{
		Source:  srv.URL + "/{z}/{x}/{y}.png",
		Family:  "osm",
		Bound:   world,
		MaxZoom: 1,
	}, feed)
	require.NoError(t, err)

	assert.False(t, outcome.Cancelled)
	assert.Equal(t, int64(1), outcome.MissingTileCount)
	assert.FileExists(t, pyramid.TilePath(outcome.DestinationRoot, model.Tile{Level: 0}))
	assert.False(t, pyramid.IsPending(outcome.DestinationRoot))

	var last float64
	for p := range feed.C() {
		last = p
	}
	assert.Equal(t, 100.0, last)

	maps := e.Discover(context.Background(), []string{e.Config.AppDir})
	require.Len(t, maps, 1)
	assert.Equal(t, outcome.Map.ID(), maps[0].ID())
	assert.Equal(t, int64(1), maps[0].MissingTilesCount())
	assert.Equal(t, "OM", maps[0].Descriptor().Provenance)
}

func TestDownloadFromBucket(t *testing.T) {
	dir := t.TempDir()
	tile := pngTile(t)
	for _, p := range []string{"0/0/0.png", "1/0/0.png", "1/0/1.png", "1/1/0.png", "1/1/1.png"} {
		path := filepath.Join(dir, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, tile, 0o644))
	}

	e := newEngine(t)
	outcome, err := e.Download(context.Background(), &DownloadRequest{
		Source:      "file://" + filepath.ToSlash(dir),
		KeyTemplate: "{z}/{x}/{y}.png",
		Bound:       world,
		MaxZoom:     1,
		Workers:     2,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), outcome.MissingTileCount)

	for row := 0; row < 2; row++ {
		for col := 0; col < 2; col++ {
			tile := model.Tile{Level: 1, Row: row, Col: col, IndexLevel: 1, IndexRow: row, IndexCol: col}
			assert.FileExists(t, pyramid.TilePath(outcome.DestinationRoot, tile), "tile %d/%d", row, col)
		}
	}
}

func TestDownloadCancelled(t *testing.T) {
	e := newEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := e.Download(ctx, &DownloadRequest{
		Source:  "file://" + filepath.ToSlash(t.TempDir()),
		Bound:   world,
		MaxZoom: 1,
	}, nil)
	require.NoError(t, err)
	assert.True(t, outcome.Cancelled)
	assert.True(t, pyramid.IsPending(outcome.DestinationRoot))

	_, ok, err := ledger.Read(outcome.DestinationRoot)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLedgerRecords(t *testing.T) {
	e := newEngine(t)
	outcome, err := e.Download(context.Background(), &DownloadRequest{
		Source:  "file://" + filepath.ToSlash(t.TempDir()),
		Bound:   world,
		MaxZoom: 0,
	}, nil)
	require.NoError(t, err)
	root := outcome.DestinationRoot
	assert.Equal(t, int64(1), outcome.MissingTileCount)

	m, err := e.RecordRepair(root, 0)
	require.NoError(t, err)
	require.NotNil(t, m.LastRepairDate())

	m, err = e.RecordUpdate(root, 3)
	require.NoError(t, err)
	require.NotNil(t, m.LastUpdateDate())

	reopened, err := e.OpenMap(root)
	require.NoError(t, err)
	assert.Equal(t, int64(3), reopened.MissingTilesCount())
	assert.Equal(t, m.LastRepairDate(), reopened.LastRepairDate())
	assert.Equal(t, m.LastUpdateDate(), reopened.LastUpdateDate())
	assert.False(t, reopened.DownloadPending())
}

func TestSeekExistingMap(t *testing.T) {
	e := newEngine(t)
	tiles := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(tiles, "0", "0"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tiles, "0", "0", "0.png"), pngTile(t), 0o644))

	outcome, err := e.Download(context.Background(), &DownloadRequest{
		Source:      "file://" + filepath.ToSlash(tiles),
		KeyTemplate: "{z}/{x}/{y}.png",
		Bound:       world,
	}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(0), outcome.MissingTileCount)

	m, status, err := e.Seek(context.Background(), filepath.Join(outcome.DestinationRoot, "0"))
	require.NoError(t, err)
	assert.Equal(t, discovery.ExistingMap, status)
	assert.Equal(t, outcome.Map.ID(), m.ID())
}

func TestDeleteMap(t *testing.T) {
	e := newEngine(t)
	outcome, err := e.Download(context.Background(), &DownloadRequest{
		Source:  "file://" + filepath.ToSlash(t.TempDir()),
		Bound:   world,
		MaxZoom: 0,
	}, nil)
	require.NoError(t, err)

	_, ok := e.Registry.Root(outcome.Map.ID())
	require.True(t, ok)

	require.NoError(t, e.DeleteMap(outcome.DestinationRoot))
	assert.NoDirExists(t, outcome.DestinationRoot)
	_, ok = e.Registry.Root(outcome.Map.ID())
	assert.False(t, ok)

	assert.Error(t, e.DeleteMap(outcome.DestinationRoot))
}
