// Package bundle is the seam to the binary container format: once a bundle's
// raw bytes are in memory they are decoded into a Container from which
// individual assets are extracted. The reference image is a zip archive:
// top-level entries are assets, entries under "<asset>/" are that asset's
// sub-objects, and an optional "_scenes.txt" entry lists scene paths one per
// line.
package bundle

import (
	"archive/zip"
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"bundled/pkg/types"
)

// Container is an in-memory handle to a decoded bundle. Implementations must
// be safe for concurrent reads; extraction runs off the loader's goroutine.
type Container interface {
	// Asset returns the named asset, or nil if absent.
	Asset(name string) (*types.Asset, error)
	// Assets returns every asset in the bundle, sorted by name. The slice is
	// non-nil even when the bundle carries no top-level assets, so callers
	// can tell an empty bundle from an absent one.
	Assets() ([]types.Asset, error)
	// SubAssets returns the sub-objects of the named asset, sorted by name,
	// or nil if the asset has none.
	SubAssets(name string) ([]types.Asset, error)
	// ScenePaths returns the scene paths carried by the bundle, in file order.
	ScenePaths() ([]string, error)
	// Close releases the in-memory payload.
	Close() error
}

// Opener decodes raw bundle bytes into a Container.
type Opener func(data []byte) (Container, error)

const scenesEntry = "_scenes.txt"

// Open decodes the reference zip image.
func Open(data []byte) (Container, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open bundle image: %w", err)
	}
	return &zipContainer{zr: zr}, nil
}

type zipContainer struct {
	zr *zip.Reader
}

func (c *zipContainer) Asset(name string) (*types.Asset, error) {
	if name == "" || name == scenesEntry || strings.Contains(name, "/") {
		return nil, nil
	}
	for _, f := range c.zr.File {
		if f.Name == name {
			data, err := readEntry(f)
			if err != nil {
				return nil, err
			}
			return &types.Asset{Name: name, Data: data}, nil
		}
	}
	return nil, nil
}

func (c *zipContainer) Assets() ([]types.Asset, error) {
	out := []types.Asset{}
	for _, f := range c.zr.File {
		if strings.Contains(f.Name, "/") || f.Name == scenesEntry {
			continue
		}
		data, err := readEntry(f)
		if err != nil {
			return nil, err
		}
		out = append(out, types.Asset{Name: f.Name, Data: data})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *zipContainer) SubAssets(name string) ([]types.Asset, error) {
	if name == "" {
		return nil, nil
	}
	prefix := name + "/"
	var out []types.Asset
	for _, f := range c.zr.File {
		if !strings.HasPrefix(f.Name, prefix) {
			continue
		}
		sub := strings.TrimPrefix(f.Name, prefix)
		if sub == "" || strings.Contains(sub, "/") {
			continue
		}
		data, err := readEntry(f)
		if err != nil {
			return nil, err
		}
		out = append(out, types.Asset{Name: sub, Data: data})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *zipContainer) ScenePaths() ([]string, error) {
	for _, f := range c.zr.File {
		if f.Name != scenesEntry {
			continue
		}
		data, err := readEntry(f)
		if err != nil {
			return nil, err
		}
		var paths []string
		sc := bufio.NewScanner(bytes.NewReader(data))
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line != "" {
				paths = append(paths, line)
			}
		}
		return paths, nil
	}
	return nil, nil
}

func (c *zipContainer) Close() error {
	c.zr = nil
	return nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read entry %s: %w", f.Name, err)
	}
	return b, nil
}
