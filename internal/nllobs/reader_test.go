package nllobs

import (
	"strings"
	"testing"
)

func TestReadNLLOCOBSSingleEvent(t *testing.T) {
	input := strings.Join([]string{
		"AAA  ?    ?    I P ? 20240101 0000 12.0000 GAU 0.10 -1 -1 -1 1.0",
		"BBB  ?    ?    E S ? 20240101 0000 14.5000 QUAL 3 -1 -1 -1 0.5",
		"",
	}, "\n")
	table := NewPhaseIDTable(nil)
	results, err := ReadNLLOCOBS(strings.NewReader(input), table, DefaultLocQual2Err)
	if err != nil {
		t.Fatalf("ReadNLLOCOBS: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	if len(results[0].Arrivals) != 2 {
		t.Fatalf("len(Arrivals) = %d, want 2", len(results[0].Arrivals))
	}
	a0 := results[0].Arrivals[0]
	if a0.Label != "AAA" || a0.Phase != "P" || a0.Onset != OnsetImpulsive {
		t.Errorf("first arrival = %+v", a0)
	}
	if a0.Sigma != 0.10 {
		t.Errorf("GAU sigma = %v, want 0.10", a0.Sigma)
	}
	a1 := results[0].Arrivals[1]
	if a1.Sigma != DefaultLocQual2Err.SigmaForQuality(3) {
		t.Errorf("quality-class sigma = %v, want %v", a1.Sigma, DefaultLocQual2Err.SigmaForQuality(3))
	}
	if a1.PriorWeight != 0.5 {
		t.Errorf("PriorWeight = %v, want 0.5", a1.PriorWeight)
	}
}

func TestReadNLLOCOBSMultipleEventsBlankLineDelimited(t *testing.T) {
	input := strings.Join([]string{
		"AAA  ?    ?    I P ? 20240101 0000 12.0000 GAU 0.10 -1 -1 -1 1.0",
		"",
		"BBB  ?    ?    I P ? 20240101 0100 10.0000 GAU 0.10 -1 -1 -1 1.0",
		"",
	}, "\n")
	table := NewPhaseIDTable(nil)
	results, err := ReadNLLOCOBS(strings.NewReader(input), table, DefaultLocQual2Err)
	if err != nil {
		t.Fatalf("ReadNLLOCOBS: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
}

func TestReadNLLOCOBSRejectsMalformedLineWithoutCrashing(t *testing.T) {
	input := strings.Join([]string{
		"AAA  ?    ?    I P ? 20240101 0000 12.0000 GAU 0.10 -1 -1 -1 1.0",
		"short line with too few fields",
		"",
	}, "\n")
	table := NewPhaseIDTable(nil)
	results, err := ReadNLLOCOBS(strings.NewReader(input), table, DefaultLocQual2Err)
	if err != nil {
		t.Fatalf("ReadNLLOCOBS: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	if results[0].Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", results[0].Rejected)
	}
	if len(results[0].Arrivals) != 1 {
		t.Errorf("len(Arrivals) = %d, want 1 (malformed line skipped)", len(results[0].Arrivals))
	}
}

func TestReadNLLOCOBSEmptyInputYieldsNoEvents(t *testing.T) {
	table := NewPhaseIDTable(nil)
	results, err := ReadNLLOCOBS(strings.NewReader(""), table, DefaultLocQual2Err)
	if err != nil {
		t.Fatalf("ReadNLLOCOBS: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("len(results) = %d, want 0", len(results))
	}
}
