// Package programs holds the map and reduce functions the builtin executor
// can run in-process.
package programs

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
)

type KeyValue struct {
	Key   string
	Value string
}

type Program interface {
	Map(key, value string) []KeyValue
	Reduce(key string, values []string) KeyValue

	Configure(config map[string]string) error
	Validate() error

	Name() string
	Describe() string
}

// Factory returns a fresh, unconfigured program.
type Factory func() Program

var (
	mu       sync.RWMutex
	registry = make(map[string]Factory)
)

func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := registry[name]; exists {
		panic("program already registered: " + name)
	}
	registry[name] = factory
}

// New builds and configures the named program.
func New(name string, config map[string]string) (Program, error) {
	mu.RLock()
	factory, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("program not found: %s", name)
	}

	p := factory()
	if err := p.Configure(config); err != nil {
		return nil, fmt.Errorf("failed to configure %s: %w", name, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Describe returns the named program's description without configuring it.
func Describe(name string) (string, error) {
	mu.RLock()
	factory, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("program not found: %s", name)
	}
	return factory().Describe(), nil
}

// FromCommand parses ["name", "key=value", ...] into a configured program.
func FromCommand(command []string) (Program, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("empty program command")
	}
	config := make(map[string]string, len(command)-1)
	for _, arg := range command[1:] {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid program argument %q, expected key=value", arg)
		}
		config[key] = value
	}
	return New(command[0], config)
}

func List() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func Hash(value string) uint32 {
	hash := fnv.New32a()
	hash.Write([]byte(value))
	return hash.Sum32()
}

func Partition(key string, numPartitions int) int {
	if numPartitions <= 0 {
		return 0
	}
	return int(Hash(key) % uint32(numPartitions))
}
