package nllobs

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
)

// ReadResult is one event's worth of arrivals plus a count of rejected
// lines, per spec.md section 6: "Unknown tokens must not crash the
// parser; the arrival is rejected with an informational message."
type ReadResult struct {
	Arrivals []*Arrival
	Rejected int
}

// ReadNLLOCOBS parses one or more events from the canonical NLLOC_OBS
// text format described in spec.md section 6: one line per pick with
// station, instrument, component, onset, phase, first-motion, date,
// hour/min, seconds, error-type, error, coda-duration, amplitude,
// period, prior-weight; a blank line ends an event.
func ReadNLLOCOBS(r io.Reader, phaseIDs *PhaseIDTable, qual2err LocQual2Err) ([]ReadResult, error) {
	sc := bufio.NewScanner(r)
	var events []ReadResult
	var cur ReadResult
	flush := func() {
		if len(cur.Arrivals) > 0 || cur.Rejected > 0 {
			events = append(events, cur)
		}
		cur = ReadResult{}
	}
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r\n")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || trimmed == "\x1a" {
			flush()
			continue
		}
		a, err := parseObsLine(trimmed, phaseIDs, qual2err)
		if err != nil {
			log.Printf("[nllobs] rejecting malformed pick line %q: %v", trimmed, err)
			cur.Rejected++
			continue
		}
		cur.Arrivals = append(cur.Arrivals, a)
	}
	flush()
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("nllobs: scanning observation file: %w", err)
	}
	return events, nil
}

// parseObsLine parses a single NLLOC_OBS record. Field layout:
//
//	station instrument component onset phase firstmotion YYYYMMDD HHMM SS.SSSS errtype err coda amp period priorweight
func parseObsLine(line string, phaseIDs *PhaseIDTable, qual2err LocQual2Err) (*Arrival, error) {
	f := strings.Fields(line)
	if len(f) < 15 {
		return nil, fmt.Errorf("expected >=15 fields, got %d", len(f))
	}
	a := &Arrival{
		Label:      f[0],
		Instrument: f[1],
		Component:  f[2],
		Phase:      f[4],
	}
	a.CanonPhase = phaseIDs.Canonical(a.Phase)
	a.Onset = parseOnset(f[3])

	date, hm, secStr := f[6], f[7], f[8]
	if len(date) != 8 || len(hm) != 4 {
		return nil, fmt.Errorf("malformed date/time %q %q", date, hm)
	}
	sec, err := strconv.ParseFloat(secStr, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing seconds %q: %w", secStr, err)
	}
	year, _ := strconv.Atoi(date[0:4])
	month, _ := strconv.Atoi(date[4:6])
	day, _ := strconv.Atoi(date[6:8])
	hour, _ := strconv.Atoi(hm[0:2])
	minute, _ := strconv.Atoi(hm[2:4])
	a.ObsTime = epochSeconds(year, month, day, hour, minute, sec)

	errType := f[9]
	errVal, err := strconv.ParseFloat(f[10], 64)
	if err != nil {
		return nil, fmt.Errorf("parsing error value %q: %w", f[10], err)
	}
	switch strings.ToUpper(errType) {
	case "GAU":
		a.Sigma = errVal
	default:
		class := int(errVal)
		a.Sigma = qual2err.SigmaForQuality(class)
	}
	if a.Sigma <= 0 {
		a.Sigma = SigmaForOnset(a.Onset)
	}

	pw, err := strconv.ParseFloat(f[14], 64)
	if err != nil {
		pw = 1.0
	}
	a.PriorWeight = pw
	a.CompanionOf = -1
	return a, nil
}

func parseOnset(s string) Onset {
	switch strings.ToUpper(s) {
	case "I":
		return OnsetImpulsive
	case "E":
		return OnsetEmergent
	case "Q":
		return OnsetQuestionable
	default:
		return OnsetEmergent
	}
}

// epochSeconds is a minimal Gregorian-to-seconds-since-epoch conversion
// sufficient for computing relative residuals; absolute epoch alignment
// with a calendar library is left to the orchestrator's output formatting.
func epochSeconds(year, month, day, hour, minute int, sec float64) float64 {
	days := daysFromCivil(year, month, day)
	return float64(days)*86400 + float64(hour)*3600 + float64(minute)*60 + sec
}

// daysFromCivil is Howard Hinnant's days-from-civil algorithm, proleptic
// Gregorian, days since 1970-01-01.
func daysFromCivil(y, m, d int) int64 {
	yy := int64(y)
	if m <= 2 {
		yy--
	}
	era := yy
	if era < 0 {
		era -= 399
	}
	era /= 400
	yoe := yy - era*400
	var mp int64
	if int64(m) > 2 {
		mp = int64(m) - 3
	} else {
		mp = int64(m) + 9
	}
	doy := (153*mp+2)/5 + int64(d) - 1
	doe := yoe*365 + yoe/4 - yoe/100 + doy
	return era*146097 + doe - 719468
}
