// Package mapfile loads mapping manifests. A manifest is YAML:
//
//	mappings:
//	  - uri: /index.html
//	    path: site/index.html
//	    content_type: text/html
//	    memory_cache: true
//	  - uri: /static/
//	    dir: site/static
//
// Load produces MappingSpecs ready for Cache.Map. The manifest is itself a
// plain file: register it as a mapped (or watched) resource and a change to
// it invalidates like any other — re-parsing and re-registering stays with
// the embedding server, which owns configuration lifecycle.
package mapfile

import (
	"fmt"
	"io"
	"os"

	"github.com/unkn0wn-root/servecache"
	"gopkg.in/yaml.v3"
)

type manifest struct {
	Mappings []entry `yaml:"mappings"`
}

type entry struct {
	URI         string `yaml:"uri"`
	Path        string `yaml:"path"`
	Dir         string `yaml:"dir"`
	ContentType string `yaml:"content_type"`
	MemoryCache bool   `yaml:"memory_cache"`
}

// Load reads and parses the manifest at path.
func Load(path string) ([]servecache.MappingSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mapfile: open %q: %w", path, err)
	}
	defer f.Close()
	specs, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("mapfile: parse %q: %w", path, err)
	}
	return specs, nil
}

// Parse reads a manifest from r.
func Parse(r io.Reader) ([]servecache.MappingSpec, error) {
	var m manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}

	specs := make([]servecache.MappingSpec, 0, len(m.Mappings))
	for i, e := range m.Mappings {
		if e.URI == "" {
			return nil, fmt.Errorf("mapping %d: missing uri", i)
		}
		if (e.Path == "") == (e.Dir == "") {
			return nil, fmt.Errorf("mapping %d (%s): exactly one of path, dir required", i, e.URI)
		}
		if e.Dir != "" && e.MemoryCache {
			return nil, fmt.Errorf("mapping %d (%s): memory_cache does not apply to dir mounts", i, e.URI)
		}
		specs = append(specs, servecache.MappingSpec{
			URI:         e.URI,
			Path:        e.Path,
			Dir:         e.Dir,
			ContentType: e.ContentType,
			MemoryCache: e.MemoryCache,
		})
	}
	return specs, nil
}
