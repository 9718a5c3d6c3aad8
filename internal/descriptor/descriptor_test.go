package descriptor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geoyee/tilevault/internal/model"
)

func sampleDescriptor() *model.MapDescriptor {
	return &model.MapDescriptor{
		ID:   uuid.New(),
		Name: "Mont Blanc",
		Levels: []model.Level{
			{Index: 0, TileSize: model.Size{Width: 256, Height: 256}},
			{Index: 1, TileSize: model.Size{Width: 256, Height: 256}},
		},
		Origin:         model.OriginIgnLicensed,
		Provenance:     "IG",
		Size:           model.Size{Width: 1024, Height: 512},
		ImageExtension: ".jpg",
		Calibration: &model.Calibration{
			Projection: &model.PseudoMercator,
			Method:     model.CalibrationSimple2Points,
			Points: []model.CalibrationPoint{
				{X: 0, Y: 0, ProjX: 100, ProjY: 200},
				{X: 1, Y: 1, ProjX: 300, ProjY: 0},
			},
		},
		CreationData: &model.CreationData{
			MinLevel: 12,
			MaxLevel: 13,
			Boundary: model.Boundary{
				SRID:    3857,
				Corner1: model.ProjectedPoint{X: 100, Y: 200},
				Corner2: model.ProjectedPoint{X: 300, Y: 0},
			},
			Source:       model.SourceRef{Family: "ign", Layer: "SCAN25", Licensed: true},
			CreationDate: 1700000000000,
		},
		MissingTiles: 3,
	}
}

func TestEncodeDecodePreservesFields(t *testing.T) {
	d := sampleDescriptor()
	data, err := Encode(d)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestDecodeRejectsStructuralErrors(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"not json", `{"name": `},
		{"type mismatch", `{"name": 12}`},
		{"missing levels", `{"name":"a","size":{"x":1,"y":1},"provider":{"generated_by":"WMTS","image_extension":".jpg"}}`},
		{"gap in levels", `{"name":"a","levels":[{"level":0,"tile_size":{"x":256,"y":256}},{"level":2,"tile_size":{"x":256,"y":256}}],"size":{"x":1,"y":1},"provider":{"generated_by":"WMTS","image_extension":".jpg"}}`},
		{"missing size", `{"name":"a","levels":[{"level":0,"tile_size":{"x":256,"y":256}}],"provider":{"generated_by":"WMTS","image_extension":".jpg"}}`},
		{"missing provider", `{"name":"a","levels":[{"level":0,"tile_size":{"x":256,"y":256}}],"size":{"x":1,"y":1}}`},
		{"unknown origin", `{"name":"a","levels":[{"level":0,"tile_size":{"x":256,"y":256}}],"size":{"x":1,"y":1},"provider":{"generated_by":"MAGIC","image_extension":".jpg"}}`},
		{"bad uuid", `{"uuid":"nope","name":"a","levels":[{"level":0,"tile_size":{"x":256,"y":256}}],"size":{"x":1,"y":1},"provider":{"generated_by":"WMTS","image_extension":".jpg"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.json))
			assert.ErrorIs(t, err, ErrInvalidDescriptor)
		})
	}
}

func TestOriginsPreservedVerbatim(t *testing.T) {
	for _, origin := range []model.MapOrigin{
		model.OriginIgnLicensed, model.OriginIgnFree, model.OriginWmtsLicensed, model.OriginWmts, model.OriginVips,
	} {
		d := sampleDescriptor()
		d.Origin = origin
		data, err := Encode(d)
		require.NoError(t, err)
		got, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, origin, got.Origin)
	}
}

const legacyDescriptor = `{
  "name": "old map",
  "levels": [{"level": 0, "tile_size": {"x": 256, "y": 256}}],
  "provider": {"generated_by": "VIPS", "image_extension": ".jpg"},
  "size": {"x": 256, "y": 512}
}`

func TestLoadMigratesLegacyDescriptorOnce(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, FileName), []byte(legacyDescriptor), 0o644))

	store := NewStore(nil)
	first, err := store.Load(root)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, first.ID)

	second, err := store.Load(root)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	data, err := os.ReadFile(filepath.Join(root, FileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), first.ID.String())
}

func TestMigrationIDIsDeterministic(t *testing.T) {
	root := t.TempDir()
	// Two passes that both read the legacy file before either persisted the patch.
	assert.Equal(t, MigrationID(root), MigrationID(root))
	assert.Equal(t, MigrationID(root), MigrationID(root+string(filepath.Separator)))
	assert.NotEqual(t, MigrationID(root), MigrationID(filepath.Join(root, "other")))
}

func TestSaveReplacesWholesale(t *testing.T) {
	root := t.TempDir()
	store := NewStore(nil)

	d := sampleDescriptor()
	require.NoError(t, store.Save(root, d))
	assert.True(t, store.Exists(root))

	d.Name = "Renamed"
	d.Calibration = nil
	require.NoError(t, store.Save(root, d))

	got, err := store.Load(root)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.Nil(t, got.Calibration)
}

func TestSaveRejectsInvalid(t *testing.T) {
	root := t.TempDir()
	d := sampleDescriptor()
	d.Levels = nil

	err := NewStore(nil).Save(root, d)
	assert.ErrorIs(t, err, ErrInvalidDescriptor)
	assert.NoFileExists(t, filepath.Join(root, FileName))
}
