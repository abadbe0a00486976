package dataset

import (
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultExtensions are the image file extensions collected by default
var DefaultExtensions = []string{".jpeg", ".jpg", ".png"}

// ImageDirDataset is an immutable pool of image paths found under a root
// directory. Paths are sorted so the pool order is deterministic.
type ImageDirDataset struct {
	root       string
	imagePaths []string
}

// NewImageDirDataset walks root recursively once and keeps files whose
// extension matches one of extensions, ignoring case
func NewImageDirDataset(root string, extensions []string) (*ImageDirDataset, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	allowed := normalizeExtensions(extensions)

	dataset := &ImageDirDataset{root: root}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if allowed[strings.ToLower(filepath.Ext(path))] {
			dataset.imagePaths = append(dataset.imagePaths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}

	if len(dataset.imagePaths) == 0 {
		return nil, fmt.Errorf("no images found in %s", root)
	}
	sort.Strings(dataset.imagePaths)

	return dataset, nil
}

// NewImageListDataset wraps an explicit list of paths
func NewImageListDataset(paths []string) (*ImageDirDataset, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("empty image list")
	}
	return &ImageDirDataset{imagePaths: append([]string(nil), paths...)}, nil
}

func normalizeExtensions(extensions []string) map[string]bool {
	allowed := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = true
	}
	return allowed
}

// ListImages returns the images directly inside dir (no recursion), sorted.
// Used for test directories.
func ListImages(dir string, extensions []string) ([]string, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	allowed := normalizeExtensions(extensions)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !allowed[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	return paths, nil
}

// Len returns the number of images in the pool
func (d *ImageDirDataset) Len() int {
	return len(d.imagePaths)
}

// GetItem returns the image path at the given index
func (d *ImageDirDataset) GetItem(index int) (string, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], nil
}

// Paths returns a copy of the pool
func (d *ImageDirDataset) Paths() []string {
	return append([]string(nil), d.imagePaths...)
}

// Split splits the pool into train and validation sets. A nil rng keeps the
// sorted order.
func (d *ImageDirDataset) Split(trainRatio float64, rng *rand.Rand) (*ImageDirDataset, *ImageDirDataset) {
	n := len(d.imagePaths)
	trainSize := int(float64(n) * trainRatio)

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	if rng != nil {
		rng.Shuffle(n, func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}

	return d.Subset(indices[:trainSize]), d.Subset(indices[trainSize:])
}

// Subset creates a dataset with the specified indices
func (d *ImageDirDataset) Subset(indices []int) *ImageDirDataset {
	subset := &ImageDirDataset{
		root:       d.root,
		imagePaths: make([]string, len(indices)),
	}
	for i, idx := range indices {
		subset.imagePaths[i] = d.imagePaths[idx]
	}
	return subset
}

// String returns a string representation of the dataset
func (d *ImageDirDataset) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("ImageDirDataset: %d images", len(d.imagePaths)))
	if d.root != "" {
		sb.WriteString(fmt.Sprintf(" in %s", d.root))
	}
	return sb.String()
}
