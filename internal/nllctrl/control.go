// Package nllctrl parses and validates the textual control statements
// described in spec.md section 6 (CONTROL, TRANS, LOCFILES, LOCSEARCH,
// LOCGRID, LOCMETH, LOCGAU, LOCPHASEID, LOCQUAL2ERR, LOCCOMP, LOCDELAY,
// LOCEXCLUDE/LOCINCLUDE, LOCHYPOUT, LOCSTAWT; LOCMAG and LOCPHSTAT are
// accepted and ignored), in the optional-pointer-field idiom used for the runtime-tunable config
// elsewhere in this module.
package nllctrl

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/nllgo/nlloc/internal/nllproj"
)

// SearchMethod selects which of C6/C7/"GRID" the orchestrator runs.
type SearchMethod int

const (
	SearchOCT SearchMethod = iota
	SearchMET
	SearchGRID
)

// Config is the fully-resolved set of control statements for one run.
// Optional statements carry pointer fields so a caller can tell "not
// present in the control file" apart from "present with a zero value",
// mirroring the project's runtime-tunable config pattern.
type Config struct {
	// CONTROL
	MessageFlag int
	RandomSeed  int64

	// TRANS
	ProjKind                      nllproj.Kind
	OrigLat, OrigLong, MapRotation float64
	StdParallel1, StdParallel2     float64

	// LOCFILES
	ObsFilePath, ObsFileType string
	TTFileRoot               string
	OutputFileRoot           string
	NumObsMax                int

	// LOCSEARCH
	Method          SearchMethod
	OctParams       OctParams
	MetParams       MetParams

	// LOCGRID (search grid, may differ from the travel-time grid)
	GridNumX, GridNumY, GridNumZ int
	GridOrigX, GridOrigY, GridOrigZ float64
	GridSpacing                  float64
	GridIsGlobal                 bool

	// LOCMETH
	MisfitMethod               string // "GAU_ANALYTIC", "EDT", "EDT_OT_WT", "L1"
	MaxDistStaGrid             float64
	MinNumberPhases            int
	MaxNumberPhases            int
	MinNumberSPhases           int
	RejectMisfitGreaterThanRMS *float64

	// LOCGAU
	SigmaTime, CorrLen float64

	// LOCPHASEID
	PhaseIDTable map[string][]string

	// LOCQUAL2ERR
	Qual2Err [5]float64

	// LOCDELAY: station/phase -> delay seconds
	Delays map[string]float64

	// LOCEXCLUDE / LOCINCLUDE
	ExcludedStations map[string]bool
	IncludedStations map[string]bool

	// LOCSTAWT
	StaWtRadiusKm *float64

	// LOCHYPOUT
	SaveScatter     bool
	SaveHypoAscii   bool
	SaveScatterPNG  bool
	SaveScatterHTML bool

	// LOCCOMP: component -> Vp/Vs-style multiplier table keyed by phase
	Components map[string]float64
}

// OctParams mirrors the LOCSEARCH OCT line.
type OctParams struct {
	InitNumX, InitNumY, InitNumZ int
	MinNodeSize                  float64
	MaxNumNodes                  int
	EarlyStopFraction            float64
	NumScatterPts                int // configured number of scatter points to draw, spec.md section 4.6
}

// MetParams mirrors the LOCSEARCH MET line.
type MetParams struct {
	NumSamples, StartSave, Skip int
	StepInit, StepMax           float64
	InitialTemperature          float64
}

// Default returns conservative defaults matching spec.md's listed
// constants, applied before any control statement overrides them.
func Default() *Config {
	return &Config{
		ProjKind: nllproj.Simple,
		Method:   SearchOCT,
		OctParams: OctParams{InitNumX: 5, InitNumY: 5, InitNumZ: 5, MinNodeSize: 0.5, MaxNumNodes: 5000, EarlyStopFraction: 0.8, NumScatterPts: 2000},
		MetParams: MetParams{NumSamples: 5000, StartSave: 50, Skip: 1, StepInit: 1, StepMax: 100, InitialTemperature: 10},
		MisfitMethod: "GAU_ANALYTIC",
		Qual2Err:     [5]float64{0.01, 0.05, 0.1, 0.5, 1.0},
		PhaseIDTable: map[string][]string{},
		Delays:       map[string]float64{},
		ExcludedStations: map[string]bool{},
		IncludedStations: map[string]bool{},
		Components:   map[string]float64{},
	}
}

// Parse reads NLLoc-style control statements from r, one per line,
// applying them onto a Default Config. Blank lines and lines starting
// with '#' are ignored.
func Parse(r io.Reader) (*Config, error) {
	c := Default()
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		kw := fields[0]
		args := fields[1:]
		if err := c.apply(kw, args); err != nil {
			return nil, fmt.Errorf("nllctrl: line %d (%s): %w", lineNo, kw, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("nllctrl: read control file: %w", err)
	}
	return c, nil
}

func (c *Config) apply(kw string, a []string) error {
	switch kw {
	case "CONTROL":
		return c.applyControl(a)
	case "TRANS":
		return c.applyTrans(a)
	case "LOCFILES":
		return c.applyLocFiles(a)
	case "LOCSEARCH":
		return c.applyLocSearch(a)
	case "LOCGRID":
		return c.applyLocGrid(a)
	case "LOCMETH":
		return c.applyLocMeth(a)
	case "LOCGAU":
		return c.applyLocGau(a)
	case "LOCPHASEID":
		return c.applyLocPhaseID(a)
	case "LOCQUAL2ERR":
		return c.applyLocQual2Err(a)
	case "LOCDELAY":
		return c.applyLocDelay(a)
	case "LOCEXCLUDE":
		return c.applyStationList(a, c.ExcludedStations)
	case "LOCINCLUDE":
		return c.applyStationList(a, c.IncludedStations)
	case "LOCSTAWT":
		return c.applyLocStaWt(a)
	case "LOCHYPOUT":
		return c.applyLocHypoOut(a)
	case "LOCCOMP":
		return c.applyLocComp(a)
	default:
		// Unrecognized statements (e.g. LOCMAG, LOCPHSTAT) are accepted
		// but otherwise ignored; they do not affect location semantics
		// in this implementation.
		return nil
	}
}

func (c *Config) applyControl(a []string) error {
	if len(a) < 2 {
		return fmt.Errorf("need MessageFlag RandomNumberSeed")
	}
	v, err := strconv.Atoi(a[0])
	if err != nil {
		return err
	}
	c.MessageFlag = v
	seed, err := strconv.ParseInt(a[1], 10, 64)
	if err != nil {
		return err
	}
	c.RandomSeed = seed
	return nil
}

func (c *Config) applyTrans(a []string) error {
	if len(a) < 1 {
		return fmt.Errorf("need projection name")
	}
	switch strings.ToUpper(a[0]) {
	case "SIMPLE":
		c.ProjKind = nllproj.Simple
		if len(a) < 3 {
			return fmt.Errorf("SIMPLE needs lat long")
		}
		c.OrigLat, _ = strconv.ParseFloat(a[1], 64)
		c.OrigLong, _ = strconv.ParseFloat(a[2], 64)
		if len(a) >= 4 {
			c.MapRotation, _ = strconv.ParseFloat(a[3], 64)
		}
	case "LAMBERT":
		c.ProjKind = nllproj.Lambert
		if len(a) < 5 {
			return fmt.Errorf("LAMBERT needs lat long stdP1 stdP2 rotation")
		}
		c.OrigLat, _ = strconv.ParseFloat(a[1], 64)
		c.OrigLong, _ = strconv.ParseFloat(a[2], 64)
		c.StdParallel1, _ = strconv.ParseFloat(a[3], 64)
		c.StdParallel2, _ = strconv.ParseFloat(a[4], 64)
		if len(a) >= 6 {
			c.MapRotation, _ = strconv.ParseFloat(a[5], 64)
		}
	case "TRANS_MERC":
		c.ProjKind = nllproj.TransMerc
		if len(a) < 3 {
			return fmt.Errorf("TRANS_MERC needs lat long")
		}
		c.OrigLat, _ = strconv.ParseFloat(a[1], 64)
		c.OrigLong, _ = strconv.ParseFloat(a[2], 64)
	case "AZIMUTHAL_EQUIDIST":
		c.ProjKind = nllproj.AzimuthalEquidist
		if len(a) < 3 {
			return fmt.Errorf("AZIMUTHAL_EQUIDIST needs lat long")
		}
		c.OrigLat, _ = strconv.ParseFloat(a[1], 64)
		c.OrigLong, _ = strconv.ParseFloat(a[2], 64)
	case "GLOBAL":
		c.ProjKind = nllproj.Global
	default:
		return fmt.Errorf("unknown projection %q", a[0])
	}
	return nil
}

func (c *Config) applyLocFiles(a []string) error {
	if len(a) < 3 {
		return fmt.Errorf("need obsFile ttFileRoot outputFileRoot")
	}
	c.ObsFilePath = a[0]
	c.TTFileRoot = a[1]
	c.OutputFileRoot = a[2]
	if len(a) >= 4 {
		n, err := strconv.Atoi(a[3])
		if err == nil {
			c.NumObsMax = n
		}
	}
	return nil
}

func (c *Config) applyLocSearch(a []string) error {
	if len(a) < 1 {
		return fmt.Errorf("need method")
	}
	switch strings.ToUpper(a[0]) {
	case "OCT":
		c.Method = SearchOCT
		if len(a) >= 6 {
			c.OctParams.InitNumX, _ = strconv.Atoi(a[1])
			c.OctParams.InitNumY, _ = strconv.Atoi(a[2])
			c.OctParams.InitNumZ, _ = strconv.Atoi(a[3])
			c.OctParams.MinNodeSize, _ = strconv.ParseFloat(a[4], 64)
			c.OctParams.MaxNumNodes, _ = strconv.Atoi(a[5])
			if len(a) >= 7 {
				if n, err := strconv.Atoi(a[6]); err == nil {
					c.OctParams.NumScatterPts = n
				}
			}
		}
	case "MET":
		c.Method = SearchMET
		if len(a) >= 6 {
			c.MetParams.NumSamples, _ = strconv.Atoi(a[1])
			c.MetParams.StartSave, _ = strconv.Atoi(a[2])
			c.MetParams.Skip, _ = strconv.Atoi(a[3])
			c.MetParams.StepInit, _ = strconv.ParseFloat(a[4], 64)
			c.MetParams.InitialTemperature, _ = strconv.ParseFloat(a[5], 64)
		}
	case "GRID":
		c.Method = SearchGRID
	default:
		return fmt.Errorf("unknown method %q", a[0])
	}
	return nil
}

func (c *Config) applyLocGrid(a []string) error {
	if len(a) < 10 {
		return fmt.Errorf("need numX numY numZ origX origY origZ spacing spacingY spacingZ type")
	}
	c.GridNumX, _ = strconv.Atoi(a[0])
	c.GridNumY, _ = strconv.Atoi(a[1])
	c.GridNumZ, _ = strconv.Atoi(a[2])
	c.GridOrigX, _ = strconv.ParseFloat(a[3], 64)
	c.GridOrigY, _ = strconv.ParseFloat(a[4], 64)
	c.GridOrigZ, _ = strconv.ParseFloat(a[5], 64)
	c.GridSpacing, _ = strconv.ParseFloat(a[6], 64)
	if strings.ToUpper(a[len(a)-1]) == "GLOBAL" {
		c.GridIsGlobal = true
	}
	return nil
}

func (c *Config) applyLocMeth(a []string) error {
	if len(a) < 1 {
		return fmt.Errorf("need misfit method")
	}
	c.MisfitMethod = strings.ToUpper(a[0])
	if len(a) >= 2 {
		c.MaxDistStaGrid, _ = strconv.ParseFloat(a[1], 64)
	}
	if len(a) >= 3 {
		c.MinNumberPhases, _ = strconv.Atoi(a[2])
	}
	if len(a) >= 4 {
		c.MaxNumberPhases, _ = strconv.Atoi(a[3])
	}
	if len(a) >= 5 {
		c.MinNumberSPhases, _ = strconv.Atoi(a[4])
	}
	if len(a) >= 6 {
		v, err := strconv.ParseFloat(a[5], 64)
		if err == nil {
			c.RejectMisfitGreaterThanRMS = &v
		}
	}
	return nil
}

func (c *Config) applyLocGau(a []string) error {
	if len(a) < 2 {
		return fmt.Errorf("need sigmaTime corrLen")
	}
	c.SigmaTime, _ = strconv.ParseFloat(a[0], 64)
	c.CorrLen, _ = strconv.ParseFloat(a[1], 64)
	return nil
}

func (c *Config) applyLocPhaseID(a []string) error {
	if len(a) < 2 {
		return fmt.Errorf("need canonical alias...")
	}
	c.PhaseIDTable[a[0]] = append(c.PhaseIDTable[a[0]], a[1:]...)
	return nil
}

func (c *Config) applyLocQual2Err(a []string) error {
	if len(a) < 5 {
		return fmt.Errorf("need 5 error values")
	}
	for i := 0; i < 5; i++ {
		v, err := strconv.ParseFloat(a[i], 64)
		if err != nil {
			return err
		}
		c.Qual2Err[i] = v
	}
	return nil
}

func (c *Config) applyLocDelay(a []string) error {
	if len(a) < 3 {
		return fmt.Errorf("need station phase delay")
	}
	d, err := strconv.ParseFloat(a[2], 64)
	if err != nil {
		return err
	}
	c.Delays[a[0]+"|"+a[1]] = d
	return nil
}

func (c *Config) applyStationList(a []string, into map[string]bool) error {
	for _, s := range a {
		into[s] = true
	}
	return nil
}

func (c *Config) applyLocStaWt(a []string) error {
	if len(a) < 1 {
		return nil
	}
	v, err := strconv.ParseFloat(a[0], 64)
	if err != nil {
		return err
	}
	c.StaWtRadiusKm = &v
	return nil
}

func (c *Config) applyLocHypoOut(a []string) error {
	for _, opt := range a {
		switch strings.ToUpper(opt) {
		case "SAVE_NLLOC_SCATTER", "SCATTER":
			c.SaveScatter = true
		case "SAVE_NLLOC_ALL", "ASCII":
			c.SaveHypoAscii = true
		case "SAVE_NLLOC_SCATTER_PNG", "PNG":
			c.SaveScatterPNG = true
		case "SAVE_NLLOC_SCATTER_HTML", "HTML":
			c.SaveScatterHTML = true
		}
	}
	return nil
}

func (c *Config) applyLocComp(a []string) error {
	if len(a) < 2 {
		return fmt.Errorf("need component factor")
	}
	v, err := strconv.ParseFloat(a[1], 64)
	if err != nil {
		return err
	}
	c.Components[a[0]] = v
	return nil
}

// Validate reports the control statements needed to run a location.
func (c *Config) Validate() error {
	if c.ObsFilePath == "" {
		return fmt.Errorf("nllctrl: LOCFILES not set (no observation file configured)")
	}
	if c.TTFileRoot == "" {
		return fmt.Errorf("nllctrl: LOCFILES not set (no travel-time file root configured)")
	}
	if c.OutputFileRoot == "" {
		return fmt.Errorf("nllctrl: LOCFILES not set (no output file root configured)")
	}
	return nil
}
