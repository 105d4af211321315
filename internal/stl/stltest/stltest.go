// Package stltest builds STL fixtures for tests.
package stltest

import (
	"github.com/cuongbtq/stl-import/internal/stl"
)

// ASCIITetrahedron is a minimal valid ASCII STL
const ASCIITetrahedron = `solid tetra
  facet normal 0 0 -1
    outer loop
      vertex 0 0 0
      vertex 1 0 0
      vertex 0 1 0
    endloop
  endfacet
  facet normal 0 -1 0
    outer loop
      vertex 0 0 0
      vertex 0 0 1
      vertex 1 0 0
    endloop
  endfacet
endsolid tetra
`

// Triangles returns n unit triangles
func Triangles(n int) []stl.Triangle {
	out := make([]stl.Triangle, n)
	for i := range out {
		z := float32(i % 100)
		out[i] = stl.Triangle{
			Normal:   stl.Vec3{0, 0, 1},
			Vertices: [3]stl.Vec3{{0, 0, z}, {1, 0, z}, {0, 1, z}},
		}
	}
	return out
}

// BinaryOfSize returns a valid binary STL at least size bytes long
func BinaryOfSize(size int) []byte {
	n := (size - 84 + 49) / 50
	if n < 1 {
		n = 1
	}
	return stl.EncodeBinary("fixture", Triangles(n))
}
