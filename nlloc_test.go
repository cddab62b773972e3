package nlloc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nllgo/nlloc/internal/nllctrl"
	"github.com/nllgo/nlloc/internal/nllgrid"
)

func writeFlatTimeGrid(t *testing.T, basePath string, val float64) {
	t.Helper()
	g, err := nllgrid.Allocate(nllgrid.Desc{
		Name: "AAA.P.time", NumX: 5, NumY: 5, NumZ: 5,
		OrigX: -10, OrigY: -10, OrigZ: -10, DX: 5, DY: 5, DZ: 5,
	})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	for i := range g.Buf {
		g.Buf[i] = val
	}
	if err := nllgrid.Save(basePath, g); err != nil {
		t.Fatalf("Save: %v", err)
	}
}

func TestRunnerLocateEndToEnd(t *testing.T) {
	dir := t.TempDir()
	ttRoot := filepath.Join(dir, "tt")
	if err := os.MkdirAll(ttRoot, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFlatTimeGrid(t, filepath.Join(ttRoot, "AAA|P"), 2.0)
	writeFlatTimeGrid(t, filepath.Join(ttRoot, "BBB|P"), 2.0)

	obsPath := filepath.Join(dir, "test.obs")
	obs := strings.Join([]string{
		"AAA  ?    ?    I P ? 20240101 0000 12.0000 GAU 0.10 -1 -1 -1 1.0",
		"BBB  ?    ?    I P ? 20240101 0000 12.0000 GAU 0.10 -1 -1 -1 1.0",
		"",
	}, "\n")
	if err := os.WriteFile(obsPath, []byte(obs), 0o644); err != nil {
		t.Fatal(err)
	}

	outRoot := filepath.Join(dir, "out", "test")

	ctrl := nllctrl.Default()
	ctrl.ObsFilePath = obsPath
	ctrl.TTFileRoot = ttRoot
	ctrl.OutputFileRoot = outRoot
	ctrl.Method = nllctrl.SearchGRID
	ctrl.GridNumX, ctrl.GridNumY, ctrl.GridNumZ = 5, 5, 5
	ctrl.GridOrigX, ctrl.GridOrigY, ctrl.GridOrigZ = -10, -10, -10
	ctrl.GridSpacing = 5

	runner, err := NewRunner(ctrl)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	f, err := os.Open(obsPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var list List
	numEvents, numLocated, err := runner.Locate(context.Background(), f, &list)
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if numEvents != 1 || numLocated != 1 {
		t.Fatalf("numEvents=%d numLocated=%d, want 1,1", numEvents, numLocated)
	}
	if list.Len() != 1 {
		t.Fatalf("list.Len() = %d, want 1", list.Len())
	}
	loc := list.GetByIndex(0)
	if loc == nil || loc.Hypo == nil {
		t.Fatal("expected a located hypocenter")
	}
	if loc.Hypo.Method != "GRID" || loc.Hypo.Status != "OK" {
		t.Errorf("method/status = %s/%s", loc.Hypo.Method, loc.Hypo.Status)
	}
	if loc.Hypo.NUsed != 2 {
		t.Errorf("NUsed = %d, want 2", loc.Hypo.NUsed)
	}
}

func TestRunnerLocateStopsWhenContextAlreadyCanceled(t *testing.T) {
	dir := t.TempDir()
	ttRoot := filepath.Join(dir, "tt")
	if err := os.MkdirAll(ttRoot, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFlatTimeGrid(t, filepath.Join(ttRoot, "AAA|P"), 2.0)

	obsPath := filepath.Join(dir, "test.obs")
	obs := strings.Join([]string{
		"AAA  ?    ?    I P ? 20240101 0000 12.0000 GAU 0.10 -1 -1 -1 1.0",
		"",
		"AAA  ?    ?    I P ? 20240101 0000 12.0000 GAU 0.10 -1 -1 -1 1.0",
		"",
	}, "\n")
	if err := os.WriteFile(obsPath, []byte(obs), 0o644); err != nil {
		t.Fatal(err)
	}

	ctrl := nllctrl.Default()
	ctrl.ObsFilePath = obsPath
	ctrl.TTFileRoot = ttRoot
	ctrl.OutputFileRoot = filepath.Join(dir, "out", "test")
	ctrl.Method = nllctrl.SearchGRID
	ctrl.GridNumX, ctrl.GridNumY, ctrl.GridNumZ = 5, 5, 5
	ctrl.GridOrigX, ctrl.GridOrigY, ctrl.GridOrigZ = -10, -10, -10
	ctrl.GridSpacing = 5

	runner, err := NewRunner(ctrl)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	f, err := os.Open(obsPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var list List
	numEvents, numLocated, err := runner.Locate(ctx, f, &list)
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if numLocated != 0 {
		t.Errorf("numLocated = %d, want 0 since the context was canceled before the first event", numLocated)
	}
	_ = numEvents
}

func TestListAppendAndFreeAll(t *testing.T) {
	var list List
	for i := 0; i < 3; i++ {
		list.Append(&Location{})
	}
	if list.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", list.Len())
	}
	if list.GetByIndex(1) == nil {
		t.Fatal("GetByIndex(1) = nil")
	}
	if list.GetByIndex(10) != nil {
		t.Fatal("out-of-range GetByIndex should return nil")
	}
	list.FreeAll(false)
	if list.Len() != 0 {
		t.Fatalf("Len() after FreeAll = %d, want 0", list.Len())
	}
}

func TestNewRunnerRejectsInvalidConfig(t *testing.T) {
	if _, err := NewRunner(nllctrl.Default()); err == nil {
		t.Fatal("expected error for a control config with no LOCFILES set")
	}
}

func ExampleList_GetByIndex() {
	var list List
	list.Append(&Location{})
	fmt.Println(list.GetByIndex(0) != nil)
	// Output: true
}
