// Package source provides the tile sources a download job fetches from.
package source

import (
	"context"
	"fmt"
	"sort"

	"github.com/geoyee/tilevault/internal/model"
)

// TileSource fetches the encoded image of one tile. A nil slice with a nil error
// means the source has no tile at that coordinate.
type TileSource interface {
	Fetch(ctx context.Context, row, col, zoom int) ([]byte, error)
}

// Family describes a tile source family: the tag written after each of its
// tiles and how many workers its servers tolerate.
type Family struct {
	Name string
	Tag  [2]byte
	// WorkerCap is the maximum worker count for the family; 0 means no cap.
	WorkerCap int
	ign       bool
}

// Family names.
const (
	FamilyIGN            = "ign"
	FamilyIGNSpain       = "ign-spain"
	FamilyOSM            = "osm"
	FamilySwiss          = "swiss"
	FamilyUSGS           = "usgs"
	FamilyOrdnanceSurvey = "ordnance-survey"
	FamilyGeneric        = "generic"
)

var families = map[string]Family{
	FamilyIGN:            {Name: FamilyIGN, Tag: [2]byte{'I', 'G'}, ign: true},
	FamilyIGNSpain:       {Name: FamilyIGNSpain, Tag: [2]byte{'I', 'S'}},
	FamilyOSM:            {Name: FamilyOSM, Tag: [2]byte{'O', 'M'}, WorkerCap: 2},
	FamilySwiss:          {Name: FamilySwiss, Tag: [2]byte{'S', 'W'}},
	FamilyUSGS:           {Name: FamilyUSGS, Tag: [2]byte{'U', 'S'}},
	FamilyOrdnanceSurvey: {Name: FamilyOrdnanceSurvey, Tag: [2]byte{'O', 'S'}},
	FamilyGeneric:        {Name: FamilyGeneric, Tag: [2]byte{'G', 'N'}},
}

// Lookup returns the family called name.
func Lookup(name string) (Family, error) {
	f, ok := families[name]
	if !ok {
		return Family{}, fmt.Errorf("unknown source family %q", name)
	}
	return f, nil
}

// FamilyByTag returns the family whose tiles carry tag.
func FamilyByTag(tag [2]byte) (Family, bool) {
	for _, f := range families {
		if f.Tag == tag {
			return f, true
		}
	}
	return Family{}, false
}

// Names lists the known families, sorted.
func Names() []string {
	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Workers applies the family cap to a requested worker count.
func (f Family) Workers(requested int) int {
	if requested <= 0 {
		requested = 1
	}
	if f.WorkerCap > 0 && requested > f.WorkerCap {
		return f.WorkerCap
	}
	return requested
}

// TagString is the tag as stored in descriptors.
func (f Family) TagString() string {
	return string(f.Tag[:])
}

// Origin returns the provenance class of maps downloaded from ref.
func Origin(ref model.SourceRef) model.MapOrigin {
	f, _ := Lookup(ref.Family)
	switch {
	case f.ign && ref.Licensed:
		return model.OriginIgnLicensed
	case f.ign:
		return model.OriginIgnFree
	case ref.Licensed:
		return model.OriginWmtsLicensed
	default:
		return model.OriginWmts
	}
}
