package nllgrid

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// ReadHeader parses the textual sidecar header described in spec.md
// section 6: "Nx Ny Nz  x0 y0 z0  dx dy dz  chr_type  element_type",
// followed for 2-D grids by a source line with the station label,
// lat/long/depth and projected x/y/z/elev.
func ReadHeader(path string) (Desc, error) {
	f, err := os.Open(path)
	if err != nil {
		return Desc{}, fmt.Errorf("nllgrid: opening header %s: %w", path, err)
	}
	defer f.Close()
	return readHeader(f)
}

func readHeader(r io.Reader) (Desc, error) {
	sc := bufio.NewScanner(r)
	var desc Desc
	if !sc.Scan() {
		return desc, fmt.Errorf("nllgrid: empty header")
	}
	fields := strings.Fields(sc.Text())
	if len(fields) < 11 {
		return desc, fmt.Errorf("nllgrid: header line has %d fields, want >= 11", len(fields))
	}
	ints := make([]int, 3)
	floats := make([]float64, 6)
	for i := 0; i < 3; i++ {
		v, err := strconv.Atoi(fields[i])
		if err != nil {
			return desc, fmt.Errorf("nllgrid: parsing count field %q: %w", fields[i], err)
		}
		ints[i] = v
	}
	for i := 0; i < 6; i++ {
		v, err := strconv.ParseFloat(fields[3+i], 64)
		if err != nil {
			return desc, fmt.Errorf("nllgrid: parsing geometry field %q: %w", fields[3+i], err)
		}
		floats[i] = v
	}
	desc.NumX, desc.NumY, desc.NumZ = ints[0], ints[1], ints[2]
	desc.OrigX, desc.OrigY, desc.OrigZ = floats[0], floats[1], floats[2]
	desc.DX, desc.DY, desc.DZ = floats[3], floats[4], floats[5]
	desc.Type = parseType(fields[9])
	desc.Element = parseElement(fields[10])
	desc.Is2D = desc.NumY == 1

	if desc.Is2D && sc.Scan() {
		stationFields := strings.Fields(sc.Text())
		if len(stationFields) >= 7 {
			desc.StationLabel = stationFields[0]
			desc.StationLat, _ = strconv.ParseFloat(stationFields[1], 64)
			desc.StationLong, _ = strconv.ParseFloat(stationFields[2], 64)
			desc.StationDepth, _ = strconv.ParseFloat(stationFields[3], 64)
			desc.StationX, _ = strconv.ParseFloat(stationFields[4], 64)
			desc.StationY, _ = strconv.ParseFloat(stationFields[5], 64)
			desc.StationZ, _ = strconv.ParseFloat(stationFields[6], 64)
			if len(stationFields) >= 8 {
				desc.StationElev, _ = strconv.ParseFloat(stationFields[7], 64)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return desc, fmt.Errorf("nllgrid: scanning header: %w", err)
	}
	return desc, nil
}

// WriteHeader emits the textual sidecar for desc.
func WriteHeader(path string, desc Desc) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("nllgrid: creating header %s: %w", path, err)
	}
	defer f.Close()
	return writeHeader(f, desc)
}

func writeHeader(w io.Writer, desc Desc) error {
	_, err := fmt.Fprintf(w, "%d %d %d  %g %g %g  %g %g %g  %s  %s\n",
		desc.NumX, desc.NumY, desc.NumZ,
		desc.OrigX, desc.OrigY, desc.OrigZ,
		desc.DX, desc.DY, desc.DZ,
		desc.Type, elementString(desc.Element))
	if err != nil {
		return err
	}
	if desc.Is2D {
		_, err = fmt.Fprintf(w, "%s %g %g %g %g %g %g %g\n",
			desc.StationLabel, desc.StationLat, desc.StationLong, desc.StationDepth,
			desc.StationX, desc.StationY, desc.StationZ, desc.StationElev)
	}
	return err
}

func parseType(s string) Type {
	switch strings.ToUpper(s) {
	case "TIME":
		return TypeTime
	case "TIME2D":
		return TypeTime2D
	case "VELOCITY":
		return TypeVelocity
	case "SLOW2":
		return TypeSlowness2
	case "SLOW_LEN":
		return TypeSlowLen
	case "PROB_DENSITY":
		return TypeProbDensity
	case "MISFIT":
		return TypeMisfit
	case "LIKELIHOOD":
		return TypeLikelihood
	case "LENGTH":
		return TypeLength
	case "ANGLES":
		return TypeAngles
	default:
		return TypeTime
	}
}

func elementString(e Element) string {
	switch e {
	case ElementFloat32:
		return "FLOAT"
	case ElementFloat64:
		return "DOUBLE"
	case ElementAngles:
		return "ANGLES"
	default:
		return "FLOAT"
	}
}

func parseElement(s string) Element {
	switch strings.ToUpper(s) {
	case "DOUBLE":
		return ElementFloat64
	case "ANGLES":
		return ElementAngles
	default:
		return ElementFloat32
	}
}

func byteOrder(swap bool) binary.ByteOrder {
	if swap {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// WriteBuffer writes the grid's buffer file. All grids use the
// element's declared on-disk width; cascading grids are additionally
// zstd-compressed (via klauspost/compress) since a cascading
// grid's sparse depth levels are dominated by long, deep-level runs of
// near-constant lateral resolution that compress well.
func WriteBuffer(path string, g *Grid) error {
	if g.Desc.Cascade != nil {
		return writeBufferCompressed(path, g)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("nllgrid: creating buffer %s: %w", path, err)
	}
	defer f.Close()
	if err := validateFinite(g.Buf); err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := writeBufferBody(bw, g); err != nil {
		return err
	}
	return bw.Flush()
}

func writeBufferBody(w io.Writer, g *Grid) error {
	order := byteOrder(g.Desc.SwapBytes)
	for _, v := range g.Buf {
		switch g.Desc.Element {
		case ElementFloat64:
			if err := binary.Write(w, order, v); err != nil {
				return err
			}
		default:
			if err := binary.Write(w, order, float32(v)); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeBufferCompressed(path string, g *Grid) error {
	if err := validateFinite(g.Buf); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("nllgrid: creating buffer %s: %w", path, err)
	}
	defer f.Close()
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("nllgrid: zstd writer: %w", err)
	}
	if err := writeBufferBody(zw, g); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// ReadBuffer reads a grid's binary buffer file into an already-allocated
// Grid (desc must already describe the target shape).
func ReadBuffer(path string, g *Grid) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("nllgrid: opening buffer %s: %w", path, err)
	}
	defer f.Close()
	if g.Desc.Cascade != nil {
		zr, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("nllgrid: zstd reader: %w", err)
		}
		defer zr.Close()
		return readBufferBody(zr, g)
	}
	return readBufferBody(bufio.NewReader(f), g)
}

func readBufferBody(r io.Reader, g *Grid) error {
	order := byteOrder(g.Desc.SwapBytes)
	for i := range g.Buf {
		switch g.Desc.Element {
		case ElementFloat64:
			var v float64
			if err := binary.Read(r, order, &v); err != nil {
				return fmt.Errorf("nllgrid: reading cell %d: %w", i, err)
			}
			g.Buf[i] = v
		default:
			var v float32
			if err := binary.Read(r, order, &v); err != nil {
				return fmt.Errorf("nllgrid: reading cell %d: %w", i, err)
			}
			g.Buf[i] = float64(v)
		}
	}
	return nil
}

// Load reads both the header sidecar and the binary buffer for a grid
// rooted at basePath (basePath+".hdr" and basePath+".buf" by convention).
func Load(basePath string) (*Grid, error) {
	desc, err := ReadHeader(basePath + ".hdr")
	if err != nil {
		return nil, err
	}
	g, err := Allocate(desc)
	if err != nil {
		return nil, err
	}
	if err := ReadBuffer(basePath+".buf", g); err != nil {
		return nil, err
	}
	return g, nil
}

// Save writes both the header sidecar and the binary buffer.
func Save(basePath string, g *Grid) error {
	if err := WriteHeader(basePath+".hdr", g.Desc); err != nil {
		return err
	}
	return WriteBuffer(basePath+".buf", g)
}

// validateFinite guards against NaN/Inf creeping into a saved buffer,
// which would silently corrupt the declared element width on reload.
func validateFinite(buf []float64) error {
	for i, v := range buf {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			if v != invalidSentinel {
				return fmt.Errorf("nllgrid: non-finite value at cell %d", i)
			}
		}
	}
	return nil
}
