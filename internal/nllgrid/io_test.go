package nllgrid

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	desc := Desc{
		NumX: 5, NumY: 6, NumZ: 7,
		OrigX: -1.5, OrigY: 2, OrigZ: 0,
		DX: 0.5, DY: 0.5, DZ: 1,
		Type: TypeTime, Element: ElementFloat32,
	}
	path := filepath.Join(dir, "test.hdr")
	require.NoError(t, WriteHeader(path, desc))
	got, err := ReadHeader(path)
	require.NoError(t, err)
	require.Equal(t, desc.NumX, got.NumX)
	require.Equal(t, desc.NumY, got.NumY)
	require.Equal(t, desc.NumZ, got.NumZ)
	require.Equal(t, desc.DX, got.DX)
	require.Equal(t, desc.OrigX, got.OrigX)
	require.Equal(t, desc.Type, got.Type)
	require.Equal(t, desc.Element, got.Element)
}

func TestHeaderRoundTrip2D(t *testing.T) {
	dir := t.TempDir()
	desc := Desc{
		NumX: 10, NumY: 1, NumZ: 4,
		DX: 2, DY: 1, DZ: 2,
		Type: TypeTime2D, Element: ElementFloat32, Is2D: true,
		StationLabel: "ABC", StationLat: 46.1, StationLong: 7.2, StationDepth: 1.0,
		StationX: 12.3, StationY: 45.6, StationZ: 0.1, StationElev: 500,
	}
	path := filepath.Join(dir, "test2d.hdr")
	if err := WriteHeader(path, desc); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	got, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if !got.Is2D || got.StationLabel != "ABC" {
		t.Fatalf("2D station fields not recovered: %+v", got)
	}
	if got.StationLat != desc.StationLat || got.StationX != desc.StationX {
		t.Fatalf("station coords: got %+v, want %+v", got, desc)
	}
}

func TestBufferRoundTripFloat32(t *testing.T) {
	dir := t.TempDir()
	g := makeGrid(t, 3, 3, 3)
	for i := range g.Buf {
		g.Buf[i] = float64(i) * 1.25
	}
	path := filepath.Join(dir, "test.buf")
	if err := WriteBuffer(path, g); err != nil {
		t.Fatalf("WriteBuffer: %v", err)
	}
	got := makeGrid(t, 3, 3, 3)
	if err := ReadBuffer(path, got); err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	for i := range g.Buf {
		// float32 round-trip loses precision past ~7 significant digits.
		if gotV, wantV := got.Buf[i], float32(g.Buf[i]); float32(gotV) != wantV {
			t.Fatalf("cell %d: got %v, want %v", i, gotV, wantV)
		}
	}
}

func TestBufferRoundTripCascadingCompressed(t *testing.T) {
	dir := t.TempDir()
	desc := Desc{
		Name: "cascade-io", NumX: 4, NumY: 4, NumZ: 4, DX: 1, DY: 1, DZ: 1,
		Cascade: &CascadeDesc{Levels: []CascadeLevel{
			{DepthStart: 0, ScaleLog2: 0, NumX: 4, NumY: 4},
			{DepthStart: 2, ScaleLog2: 1, NumX: 2, NumY: 2},
		}},
	}
	g, err := Allocate(desc)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	for i := range g.Buf {
		g.Buf[i] = float64(i) + 0.5
	}
	path := filepath.Join(dir, "cascade.buf")
	if err := WriteBuffer(path, g); err != nil {
		t.Fatalf("WriteBuffer: %v", err)
	}
	got, err := Allocate(desc)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := ReadBuffer(path, got); err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	for i := range g.Buf {
		if float32(got.Buf[i]) != float32(g.Buf[i]) {
			t.Fatalf("cell %d: got %v, want %v", i, got.Buf[i], g.Buf[i])
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	desc := Desc{NumX: 2, NumY: 2, NumZ: 2, DX: 1, DY: 1, DZ: 1, Type: TypeTime, Element: ElementFloat32}
	g, err := Allocate(desc)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	for i := range g.Buf {
		g.Buf[i] = float64(i)
	}
	base := filepath.Join(dir, "grid")
	if err := Save(base, g); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(base)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for i := range g.Buf {
		if got.Buf[i] != g.Buf[i] {
			t.Fatalf("cell %d: got %v, want %v", i, got.Buf[i], g.Buf[i])
		}
	}
}
