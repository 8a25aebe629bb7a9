package enumerator

import (
	"fmt"
	"os"

	"github.com/oriys/nbdtrace/internal/recorder"
)

// Load reads a serialized Recording from path and decodes it into its
// (snapshot, trace) pair.
func Load(path string) ([]byte, []recorder.Entry, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("enumerator: read %s: %w", path, err)
	}
	snapshot, trace, err := recorder.Decode(blob)
	if err != nil {
		return nil, nil, fmt.Errorf("enumerator: decode %s: %w", path, err)
	}
	return snapshot, trace, nil
}

// WriteImages writes each image as a raw binary file named basePath
// extended with ".NNN", NNN a zero-padded 3-digit sequence number
// starting at 000, in the order given. It returns the paths written.
func WriteImages(basePath string, images [][]byte) ([]string, error) {
	paths := make([]string, 0, len(images))
	for i, img := range images {
		path := fmt.Sprintf("%s.%03d", basePath, i)
		if err := os.WriteFile(path, img, 0o644); err != nil {
			return paths, fmt.Errorf("enumerator: write %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
