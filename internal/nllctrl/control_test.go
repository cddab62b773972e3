package nllctrl

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nllgo/nlloc/internal/nllproj"
)

func TestParseBasicControlFile(t *testing.T) {
	input := `
# comment line should be skipped
CONTROL 1 54321
TRANS SIMPLE 40.0 -120.0
LOCFILES obs/test.obs TT/root out/test 999
LOCSEARCH OCT 8 8 6 0.25 10000
LOCGRID 50 50 30 -20 -20 0 1 1 1 MISFIT
LOCMETH EDT 9999 4 100 0 0.1
LOCGAU 0.1 2.5
LOCQUAL2ERR 0.02 0.06 0.12 0.6 1.2
LOCPHASEID P p Pn Pg
LOCPHASEID S s Sn Sg
LOCEXCLUDE BADSTA1 BADSTA2
LOCSTAWT 15
LOCHYPOUT SAVE_NLLOC_SCATTER SAVE_NLLOC_ALL PNG HTML
`
	c, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.MessageFlag != 1 || c.RandomSeed != 54321 {
		t.Errorf("CONTROL not applied: %+v", c)
	}
	if c.ProjKind != nllproj.Simple || c.OrigLat != 40.0 || c.OrigLong != -120.0 {
		t.Errorf("TRANS not applied: %+v", c)
	}
	if c.ObsFilePath != "obs/test.obs" || c.TTFileRoot != "TT/root" || c.OutputFileRoot != "out/test" || c.NumObsMax != 999 {
		t.Errorf("LOCFILES not applied: %+v", c)
	}
	if c.Method != SearchOCT || c.OctParams.MaxNumNodes != 10000 {
		t.Errorf("LOCSEARCH OCT not applied: %+v", c.OctParams)
	}
	if c.GridNumX != 50 {
		t.Errorf("LOCGRID not applied: %+v", c)
	}
	if c.GridIsGlobal {
		t.Errorf("GridIsGlobal should be false for a MISFIT-terminated LOCGRID line")
	}
	if c.MisfitMethod != "EDT" || c.MinNumberPhases != 4 {
		t.Errorf("LOCMETH not applied: %+v", c)
	}
	if c.SigmaTime != 0.1 || c.CorrLen != 2.5 {
		t.Errorf("LOCGAU not applied: %+v", c)
	}
	if c.Qual2Err[2] != 0.12 {
		t.Errorf("LOCQUAL2ERR not applied: %+v", c.Qual2Err)
	}
	wantPhaseIDs := map[string][]string{"P": {"p", "Pn", "Pg"}, "S": {"s", "Sn", "Sg"}}
	if diff := cmp.Diff(wantPhaseIDs, c.PhaseIDTable); diff != "" {
		t.Errorf("LOCPHASEID table mismatch (-want +got):\n%s", diff)
	}
	if !c.ExcludedStations["BADSTA1"] || !c.ExcludedStations["BADSTA2"] {
		t.Errorf("LOCEXCLUDE not applied: %+v", c.ExcludedStations)
	}
	if c.StaWtRadiusKm == nil || *c.StaWtRadiusKm != 15 {
		t.Errorf("LOCSTAWT not applied: %+v", c.StaWtRadiusKm)
	}
	if !c.SaveScatter || !c.SaveHypoAscii || !c.SaveScatterPNG || !c.SaveScatterHTML {
		t.Errorf("LOCHYPOUT not applied: %+v", c)
	}
}

func TestParseLocSearchOctScatterCount(t *testing.T) {
	input := "LOCSEARCH OCT 8 8 6 0.25 10000 500\n"
	c, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.OctParams.NumScatterPts != 500 {
		t.Errorf("NumScatterPts = %d, want 500", c.OctParams.NumScatterPts)
	}
}

func TestParseRejectsUnknownProjection(t *testing.T) {
	_, err := Parse(strings.NewReader("TRANS BOGUS 1 2\n"))
	if err == nil {
		t.Fatal("expected error for unknown projection")
	}
}

func TestParseGlobalGridFlag(t *testing.T) {
	c, err := Parse(strings.NewReader("LOCGRID 10 10 10 0 0 0 1 1 1 GLOBAL\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !c.GridIsGlobal {
		t.Error("expected GridIsGlobal true")
	}
}

func TestValidateRequiresLocFiles(t *testing.T) {
	c := Default()
	if err := c.Validate(); err == nil {
		t.Fatal("expected Validate error with no LOCFILES set")
	}
	c.ObsFilePath, c.TTFileRoot, c.OutputFileRoot = "a", "b", "c"
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate unexpected error: %v", err)
	}
}

func TestDefaultOctParamsUsedWhenLocSearchOmitsArgs(t *testing.T) {
	c, err := Parse(strings.NewReader("LOCSEARCH OCT\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.OctParams.MaxNumNodes != 5000 {
		t.Errorf("expected default MaxNumNodes to survive a bare LOCSEARCH OCT, got %d", c.OctParams.MaxNumNodes)
	}
}
