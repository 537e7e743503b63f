package export

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aukilabs/go-tooling/pkg/errors"
)

// WriteOBJ writes cell meshes as a single Wavefront OBJ object. Vertex
// colors, when present, use the common "v x y z r g b" extension.
func WriteOBJ(w io.Writer, sessionUUID string, meshes []CellMesh) error {
	bw := bufio.NewWriterSize(w, 64*1024)

	fmt.Fprintf(bw, "o session_%s\n", sessionUUID)

	// OBJ face indices are global and 1-based.
	offset := int32(1)
	for _, mesh := range meshes {
		withColors := len(mesh.Colors) == len(mesh.Vertices)

		for i, v := range mesh.Vertices {
			if withColors {
				c := mesh.Colors[i]
				fmt.Fprintf(bw, "v %g %g %g %g %g %g\n",
					v.X, v.Y, v.Z,
					float32(c.R)/255, float32(c.G)/255, float32(c.B)/255)
			} else {
				fmt.Fprintf(bw, "v %g %g %g\n", v.X, v.Y, v.Z)
			}
		}

		for t := 0; t < mesh.Triangles; t++ {
			a := mesh.Indices[t*3] + offset
			b := mesh.Indices[t*3+1] + offset
			c := mesh.Indices[t*3+2] + offset
			fmt.Fprintf(bw, "f %d %d %d\n", a, b, c)
		}

		offset += int32(len(mesh.Vertices))
	}

	if err := bw.Flush(); err != nil {
		return errors.New("writing obj failed").Wrap(err)
	}
	return nil
}

// WriteOBJFile writes the meshes to the given path.
func WriteOBJFile(path, sessionUUID string, meshes []CellMesh) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.New("creating obj directory failed").Wrap(err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.New("creating obj file failed").Wrap(err)
	}
	defer f.Close()

	return WriteOBJ(f, sessionUUID, meshes)
}
