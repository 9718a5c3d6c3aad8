package download

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geoyee/tilevault/internal/descriptor"
	"github.com/geoyee/tilevault/internal/ledger"
	"github.com/geoyee/tilevault/internal/model"
	"github.com/geoyee/tilevault/internal/pyramid"
	"github.com/geoyee/tilevault/internal/registry"
	"github.com/geoyee/tilevault/internal/stats"
)

func pngTile(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// gridTiles returns a level-major grid of tiles at zoom, starting at (row0, col0).
func gridTiles(zoom, row0, col0, rows, cols int) []model.Tile {
	var tiles []model.Tile
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			tiles = append(tiles, model.Tile{
				Level: zoom, Row: row0 + r, Col: col0 + c,
				IndexLevel: 0, IndexRow: r, IndexCol: c,
			})
		}
	}
	return tiles
}

type fakeSource struct {
	data   []byte
	absent map[[2]int]bool
	calls  atomic.Int32
	// after this many calls, Fetch blocks until ctx is done; 0 disables.
	blockAfter int32
	blocked    chan struct{}
	once       sync.Once
}

func (s *fakeSource) Fetch(ctx context.Context, row, col, zoom int) ([]byte, error) {
	n := s.calls.Add(1)
	if s.blockAfter > 0 && n > s.blockAfter {
		s.once.Do(func() { close(s.blocked) })
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.absent[[2]int{row, col}] {
		return nil, nil
	}
	return s.data, nil
}

func countTiles(t *testing.T, root string) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(root, "0", "*", "*.jpg"))
	require.NoError(t, err)
	return len(matches)
}

func newDownloader(t *testing.T, src *fakeSource) (*Downloader, string) {
	t.Helper()
	appDir := t.TempDir()
	reg := registry.New()
	d := NewDownloader(
		&pyramid.TimestampResolver{AppDir: appDir},
		src,
		pyramid.NewBuilder(descriptor.NewStore(nil), reg, nil),
		ledger.New(reg, nil),
		Options{FetchTimeout: 5 * time.Second},
	)
	return d, appDir
}

func newJob(tiles []model.Tile, workers int) *model.DownloadJob {
	return &model.DownloadJob{
		Source:   model.SourceRef{Family: "osm"},
		MinLevel: 5,
		MaxLevel: 5,
		CalibrationPoints: [2]model.CalibrationPoint{
			{X: 0, Y: 0, ProjX: 0, ProjY: 100},
			{X: 1, Y: 1, ProjX: 100, ProjY: 0},
		},
		TileSize:    256,
		WidthPx:     512,
		HeightPx:    512,
		TotalTiles:  int64(len(tiles)),
		WorkerCount: workers,
		Tiles:       SliceTiles(tiles),
	}
}

func TestSequencerExhaustiveUnderConcurrency(t *testing.T) {
	tiles := gridTiles(10, 0, 0, 40, 25)
	seq := NewSequencer(context.Background(), SliceTiles(tiles), int64(len(tiles)), nil)

	var mu sync.Mutex
	var got []model.Tile
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var mine []model.Tile
			for {
				tile, ok := seq.Next()
				if !ok {
					break
				}
				mine = append(mine, tile)
			}
			mu.Lock()
			got = append(got, mine...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, got, len(tiles))
	seen := make(map[model.Tile]bool)
	for _, tile := range got {
		assert.False(t, seen[tile], "tile %+v handed out twice", tile)
		seen[tile] = true
	}
	_, ok := seq.Next()
	assert.False(t, ok)
	assert.Equal(t, 100.0, seq.Progress())
}

func TestSequencerKeepsOrder(t *testing.T) {
	tiles := gridTiles(3, 0, 0, 2, 3)
	seq := NewSequencer(context.Background(), SliceTiles(tiles), int64(len(tiles)), nil)
	for _, want := range tiles {
		got, ok := seq.Next()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestProgressMonotonicEndsAt100(t *testing.T) {
	tiles := gridTiles(8, 0, 0, 10, 10)
	feed := NewProgressFeed()
	seq := NewSequencer(context.Background(), SliceTiles(tiles), int64(len(tiles)), feed)

	var observed []float64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for p := range feed.C() {
			observed = append(observed, p)
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if _, ok := seq.Next(); !ok {
					return
				}
			}
		}()
	}
	wg.Wait()
	feed.close()
	<-done

	require.NotEmpty(t, observed)
	assert.True(t, sort.Float64sAreSorted(observed), "progress went backwards: %v", observed)
	assert.Equal(t, 100.0, observed[len(observed)-1])
	for _, p := range observed {
		assert.GreaterOrEqual(t, p, 0.0)
		assert.LessOrEqual(t, p, 100.0)
	}
}

func TestProgressClamped(t *testing.T) {
	tiles := gridTiles(2, 0, 0, 1, 4)

	underestimated := NewSequencer(context.Background(), SliceTiles(tiles), 2, nil)
	for i := 0; i < 3; i++ {
		underestimated.Next()
	}
	assert.Equal(t, 100.0, underestimated.Progress())

	unknown := NewSequencer(context.Background(), SliceTiles(tiles), 0, nil)
	unknown.Next()
	assert.Equal(t, 100.0, unknown.Progress())
}

func TestProgressNotPublishedWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	feed := NewProgressFeed()
	seq := NewSequencer(ctx, SliceTiles(gridTiles(1, 0, 0, 1, 2)), 2, feed)
	seq.Next()
	seq.Next()
	seq.Next()

	select {
	case p := <-feed.C():
		t.Fatalf("unexpected progress %v", p)
	default:
	}
}

func TestSuccessfulDownload(t *testing.T) {
	src := &fakeSource{data: pngTile(t)}
	d, _ := newDownloader(t, src)
	feed := NewProgressFeed()

	outcome, err := d.StartDownload(context.Background(), newJob(gridTiles(5, 10, 20, 2, 2), 8), feed)
	require.NoError(t, err)

	assert.Equal(t, int64(0), outcome.MissingTileCount)
	assert.False(t, outcome.Cancelled)
	assert.Equal(t, 4, countTiles(t, outcome.DestinationRoot))

	desc, err := descriptor.NewStore(nil).Load(outcome.DestinationRoot)
	require.NoError(t, err)
	require.Len(t, desc.Levels, 1)
	assert.Equal(t, model.Level{Index: 0, TileSize: model.Size{Width: 256, Height: 256}}, desc.Levels[0])
	assert.Equal(t, model.OriginWmts, desc.Origin)

	assert.False(t, pyramid.IsPending(outcome.DestinationRoot))
	entry, ok, err := ledger.Read(outcome.DestinationRoot)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(0), entry.MissingTilesCount)

	var last float64
	for p := range feed.C() {
		last = p
	}
	assert.Equal(t, 100.0, last)
}

func TestHalfMissingDownload(t *testing.T) {
	src := &fakeSource{
		data:   pngTile(t),
		absent: map[[2]int]bool{{10, 20}: true, {11, 21}: true},
	}
	d, _ := newDownloader(t, src)

	outcome, err := d.StartDownload(context.Background(), newJob(gridTiles(5, 10, 20, 2, 2), 8), nil)
	require.NoError(t, err)

	assert.Equal(t, int64(2), outcome.MissingTileCount)
	assert.Equal(t, 2, countTiles(t, outcome.DestinationRoot))
	assert.Equal(t, int64(2), outcome.Map.MissingTilesCount())
}

func TestStorageFailure(t *testing.T) {
	appDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(appDir, pyramid.DownloadedDir), nil, 0o644))

	reg := registry.New()
	d := NewDownloader(&pyramid.TimestampResolver{AppDir: appDir}, &fakeSource{},
		pyramid.NewBuilder(descriptor.NewStore(nil), reg, nil), ledger.New(reg, nil), Options{})

	feed := NewProgressFeed()
	_, err := d.StartDownload(context.Background(), newJob(gridTiles(5, 0, 0, 1, 1), 1), feed)
	assert.ErrorIs(t, err, ErrStorage)

	_, open := <-feed.C()
	assert.False(t, open, "feed is closed on failure")
}

func TestCancelledDownload(t *testing.T) {
	src := &fakeSource{data: pngTile(t), blockAfter: 2, blocked: make(chan struct{})}
	d, _ := newDownloader(t, src)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		outcome *model.DownloadOutcome
		err     error
	}
	results := make(chan result, 1)
	go func() {
		outcome, err := d.StartDownload(ctx, newJob(gridTiles(5, 0, 0, 2, 4), 1), nil)
		results <- result{outcome, err}
	}()

	select {
	case <-src.blocked:
	case <-time.After(5 * time.Second):
		t.Fatal("source never blocked")
	}
	cancel()

	var res result
	select {
	case res = <-results:
	case <-time.After(5 * time.Second):
		t.Fatal("download did not stop after cancellation")
	}

	require.NoError(t, res.err)
	assert.True(t, res.outcome.Cancelled)
	assert.Equal(t, 2, countTiles(t, res.outcome.DestinationRoot))
	assert.Equal(t, int32(3), src.calls.Load())
	assert.FileExists(t, descriptor.Path(res.outcome.DestinationRoot))
	assert.True(t, pyramid.IsPending(res.outcome.DestinationRoot))
	assert.True(t, res.outcome.Map.DownloadPending())
}

// flakyWriter fails for every tile in fail and writes the others.
type flakyWriter struct {
	next *pyramid.TileWriter
	fail map[[2]int]bool
}

func (w *flakyWriter) Write(t model.Tile, img image.Image) error {
	if w.fail[[2]int{t.IndexRow, t.IndexCol}] {
		return errors.New("disk full")
	}
	return w.next.Write(t, img)
}

func TestMissingCountConservation(t *testing.T) {
	tests := []struct {
		name      string
		absent    map[[2]int]bool
		failWrite map[[2]int]bool
	}{
		{"fetch failures", map[[2]int]bool{{0, 1}: true, {2, 2}: true}, nil},
		{"write failures", nil, map[[2]int]bool{{1, 0}: true, {1, 1}: true, {1, 2}: true}},
		{"both", map[[2]int]bool{{0, 0}: true}, map[[2]int]bool{{2, 0}: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			tiles := gridTiles(4, 0, 0, 3, 3)
			src := &fakeSource{data: pngTile(t), absent: tt.absent}
			w := &flakyWriter{next: pyramid.NewTileWriter(root, [2]byte{'G', 'N'}), fail: tt.failWrite}

			monitor := stats.NewStatsMonitor(int64(len(tiles)), nil, nil)
			seq := NewSequencer(context.Background(), SliceTiles(tiles), int64(len(tiles)), nil)
			missing := NewWorkerPool(4, 0, monitor, nil).Run(context.Background(), seq, src, w)

			assert.Equal(t, int64(len(tiles)-countTiles(t, root)), missing)
			assert.Equal(t, int64(len(tt.absent)+len(tt.failWrite)), missing)
		})
	}
}

type errSource struct{ err error }

func (s errSource) Fetch(context.Context, int, int, int) ([]byte, error) { return nil, s.err }

func TestPoolClassifiesFailures(t *testing.T) {
	tiles := gridTiles(1, 0, 0, 1, 2)
	monitor := stats.NewStatsMonitor(2, nil, nil)
	seq := NewSequencer(context.Background(), SliceTiles(tiles), 2, nil)

	missing := NewWorkerPool(1, 0, monitor, nil).Run(context.Background(), seq,
		errSource{err: context.DeadlineExceeded}, pyramid.NewTileWriter(t.TempDir(), [2]byte{}))
	assert.Equal(t, int64(2), missing)
	assert.Equal(t, 2, monitor.Errors().ReasonCounts()["timeout"])

	monitor = stats.NewStatsMonitor(1, nil, nil)
	seq = NewSequencer(context.Background(), SliceTiles(tiles[:1]), 1, nil)
	missing = NewWorkerPool(1, 0, monitor, nil).Run(context.Background(), seq,
		&fakeSource{data: []byte("not an image")}, pyramid.NewTileWriter(t.TempDir(), [2]byte{}))
	assert.Equal(t, int64(1), missing)
	assert.Equal(t, 1, monitor.Errors().ReasonCounts()["decode"])
}
