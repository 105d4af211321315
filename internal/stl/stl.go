// Package stl validates and decodes STL model files, binary and ASCII.
package stl

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	headerSize   = 80
	triangleSize = 50
)

// ErrInvalidGeometry is returned when data is not a well-formed STL model
var ErrInvalidGeometry = errors.New("invalid STL geometry")

// Format of the parsed file
type Format string

const (
	FormatBinary Format = "binary"
	FormatASCII  Format = "ascii"
)

// Vec3 is a single point or normal
type Vec3 [3]float32

// Triangle is one facet of the mesh
type Triangle struct {
	Normal   Vec3
	Vertices [3]Vec3
}

// Model is a decoded STL mesh
type Model struct {
	Name      string
	Format    Format
	Triangles []Triangle
}

// Bounds returns the axis-aligned bounding box of the mesh
func (m *Model) Bounds() (lo, hi Vec3) {
	if len(m.Triangles) == 0 {
		return
	}
	lo = m.Triangles[0].Vertices[0]
	hi = lo
	for _, t := range m.Triangles {
		for _, v := range t.Vertices {
			for i := 0; i < 3; i++ {
				if v[i] < lo[i] {
					lo[i] = v[i]
				}
				if v[i] > hi[i] {
					hi[i] = v[i]
				}
			}
		}
	}
	return
}

// Parse decodes data as binary or ASCII STL
func Parse(data []byte) (*Model, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidGeometry)
	}

	// Binary exporters sometimes start the header with "solid", so the size check wins.
	if isBinary(data) {
		return parseBinary(data)
	}

	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if bytes.HasPrefix(trimmed, []byte("solid")) {
		return parseASCII(trimmed)
	}

	return nil, fmt.Errorf("%w: unrecognized format", ErrInvalidGeometry)
}

func isBinary(data []byte) bool {
	if len(data) < headerSize+4 {
		return false
	}
	count := binary.LittleEndian.Uint32(data[headerSize : headerSize+4])
	return uint64(len(data)) == uint64(headerSize+4)+uint64(count)*triangleSize
}

func parseBinary(data []byte) (*Model, error) {
	count := binary.LittleEndian.Uint32(data[headerSize : headerSize+4])
	if count == 0 {
		return nil, fmt.Errorf("%w: binary file has no triangles", ErrInvalidGeometry)
	}

	model := &Model{
		Name:      strings.TrimRight(string(bytes.TrimRight(data[:headerSize], "\x00")), " "),
		Format:    FormatBinary,
		Triangles: make([]Triangle, count),
	}

	off := headerSize + 4
	for i := range model.Triangles {
		rec := data[off : off+triangleSize]
		var vals [12]float32
		for j := range vals {
			f := math.Float32frombits(binary.LittleEndian.Uint32(rec[j*4 : j*4+4]))
			if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
				return nil, fmt.Errorf("%w: non-finite coordinate in triangle %d", ErrInvalidGeometry, i)
			}
			vals[j] = f
		}
		model.Triangles[i] = Triangle{
			Normal: Vec3{vals[0], vals[1], vals[2]},
			Vertices: [3]Vec3{
				{vals[3], vals[4], vals[5]},
				{vals[6], vals[7], vals[8]},
				{vals[9], vals[10], vals[11]},
			},
		}
		off += triangleSize
	}

	return model, nil
}

func parseASCII(data []byte) (*Model, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	model := &Model{Format: FormatASCII}
	var (
		cur      Triangle
		inFacet  bool
		vertices int
		ended    bool
		line     int
	)

	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "solid":
			if line == 1 && len(fields) > 1 {
				model.Name = strings.Join(fields[1:], " ")
			}
		case "facet":
			if inFacet {
				return nil, fmt.Errorf("%w: nested facet at line %d", ErrInvalidGeometry, line)
			}
			if len(fields) != 5 || fields[1] != "normal" {
				return nil, fmt.Errorf("%w: malformed facet at line %d", ErrInvalidGeometry, line)
			}
			n, err := parseVec(fields[2:])
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidGeometry, line, err)
			}
			cur = Triangle{Normal: n}
			inFacet = true
			vertices = 0
		case "vertex":
			if !inFacet || vertices >= 3 || len(fields) != 4 {
				return nil, fmt.Errorf("%w: unexpected vertex at line %d", ErrInvalidGeometry, line)
			}
			v, err := parseVec(fields[1:])
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidGeometry, line, err)
			}
			cur.Vertices[vertices] = v
			vertices++
		case "endfacet":
			if !inFacet || vertices != 3 {
				return nil, fmt.Errorf("%w: incomplete facet at line %d", ErrInvalidGeometry, line)
			}
			model.Triangles = append(model.Triangles, cur)
			inFacet = false
		case "outer", "endloop":
		case "endsolid":
			ended = true
		default:
			return nil, fmt.Errorf("%w: unexpected token %q at line %d", ErrInvalidGeometry, fields[0], line)
		}

		if ended {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}
	if !ended || inFacet {
		return nil, fmt.Errorf("%w: missing endsolid", ErrInvalidGeometry)
	}
	if len(model.Triangles) == 0 {
		return nil, fmt.Errorf("%w: no facets", ErrInvalidGeometry)
	}

	return model, nil
}

func parseVec(fields []string) (Vec3, error) {
	var v Vec3
	for i, f := range fields {
		x, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return v, fmt.Errorf("bad number %q", f)
		}
		v[i] = float32(x)
	}
	return v, nil
}

// EncodeBinary writes triangles as a binary STL file
func EncodeBinary(name string, triangles []Triangle) []byte {
	buf := make([]byte, headerSize+4+len(triangles)*triangleSize)
	copy(buf[:headerSize], name)
	binary.LittleEndian.PutUint32(buf[headerSize:], uint32(len(triangles)))

	off := headerSize + 4
	for _, t := range triangles {
		vals := []float32{t.Normal[0], t.Normal[1], t.Normal[2]}
		for _, v := range t.Vertices {
			vals = append(vals, v[0], v[1], v[2])
		}
		for j, f := range vals {
			binary.LittleEndian.PutUint32(buf[off+j*4:], math.Float32bits(f))
		}
		off += triangleSize
	}
	return buf
}
