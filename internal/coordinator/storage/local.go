package storage

import (
	"fmt"
	"net"
	"os"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/nemanja-m/jobtracker/internal/coordinator/core"
)

// Topology maps hosts to racks and input paths to the hosts that hold them.
type Topology struct {
	Racks      map[string][]string `yaml:"racks"`
	Placements []Placement         `yaml:"placements"`
}

// Placement declares that files matching Pattern are stored on Hosts.
type Placement struct {
	Pattern string   `yaml:"pattern"`
	Hosts   []string `yaml:"hosts"`
}

func LoadTopology(path string) (Topology, error) {
	var topo Topology
	data, err := os.ReadFile(path)
	if err != nil {
		return topo, fmt.Errorf("failed to read topology file: %w", err)
	}
	if err := yaml.Unmarshal(data, &topo); err != nil {
		return topo, fmt.Errorf("failed to parse topology file: %w", err)
	}
	for _, p := range topo.Placements {
		if !doublestar.ValidatePattern(p.Pattern) {
			return topo, fmt.Errorf("invalid placement pattern %q", p.Pattern)
		}
	}
	return topo, nil
}

// LocalStorage splits inputs on the local filesystem and resolves locality
// from a static topology.
type LocalStorage struct {
	topology Topology
	rackOf   map[string]string
}

func NewLocalStorage(topology Topology) *LocalStorage {
	rackOf := make(map[string]string)
	for rack, hosts := range topology.Racks {
		for _, host := range hosts {
			rackOf[host] = rack
		}
	}
	return &LocalStorage{topology: topology, rackOf: rackOf}
}

// Splits makes one split per matched regular file. When numSplits asks for
// more splits than there are files, files are cut into byte ranges of
// roughly equal size.
func (s *LocalStorage) Splits(input core.InputSpec, numSplits int) ([]core.InputSplit, error) {
	files, sizes, err := findLocalFiles(input.Paths)
	if err != nil {
		return nil, err
	}

	var total int64
	for _, size := range sizes {
		total += size
	}

	var target int64
	if numSplits > len(files) && total > 0 {
		target = (total + int64(numSplits) - 1) / int64(numSplits)
	}

	var splits []core.InputSplit
	for i, name := range files {
		size := sizes[i]
		if target == 0 || size <= target {
			splits = append(splits, core.InputSplit{Path: name, Length: size})
			continue
		}
		for offset := int64(0); offset < size; offset += target {
			splits = append(splits, core.InputSplit{
				Path:   name,
				Offset: offset,
				Length: min(target, size-offset),
			})
		}
	}
	return splits, nil
}

func (s *LocalStorage) PreferredLocations(split core.InputSplit) []string {
	seen := make(map[string]struct{})
	var hosts []string
	add := func(h string) {
		if _, ok := seen[h]; !ok {
			seen[h] = struct{}{}
			hosts = append(hosts, h)
		}
	}
	for _, h := range split.Locations {
		add(h)
	}
	for _, p := range s.topology.Placements {
		if ok, _ := doublestar.Match(p.Pattern, split.Path); ok {
			for _, h := range p.Hosts {
				add(h)
			}
		}
	}
	return hosts
}

// RackOf accepts a bare host or a host:port worker id.
func (s *LocalStorage) RackOf(id string) string {
	if rack, ok := s.rackOf[id]; ok {
		return rack
	}
	if host, _, err := net.SplitHostPort(id); err == nil {
		return s.rackOf[host]
	}
	return ""
}

func findLocalFiles(patterns []string) ([]string, []int64, error) {
	seen := make(map[string]struct{})
	var files []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid input pattern %q: %w", pattern, err)
		}
		for _, name := range matches {
			if _, ok := seen[name]; ok {
				continue
			}
			info, err := os.Lstat(name)
			if err != nil {
				continue
			}
			if info.Mode().IsRegular() {
				seen[name] = struct{}{}
				files = append(files, name)
			}
		}
	}
	sort.Strings(files)

	sizes := make([]int64, len(files))
	for i, name := range files {
		info, err := os.Stat(name)
		if err != nil {
			return nil, nil, err
		}
		sizes[i] = info.Size()
	}
	return files, sizes, nil
}
