// Package assets holds the static ticker tables the normalizers and the price
// enrichment share: known symbols, fiat, stablecoins and exchange aliases.
package assets

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed assets.yaml
var defaultRegistryYAML []byte

type registryFile struct {
	Fiat        []string          `yaml:"fiat"`
	Stablecoins []string          `yaml:"stablecoins"`
	Known       []string          `yaml:"known"`
	Aliases     map[string]string `yaml:"aliases"`
	Suffixes    []string          `yaml:"suffixes"`
}

// Registry is immutable once loaded and safe for concurrent use.
type Registry struct {
	fiat     map[string]struct{}
	stable   map[string]struct{}
	known    map[string]struct{}
	aliases  map[string]string
	suffixes []string
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
	defaultErr      error
)

// Default returns the registry built from the embedded tables.
func Default() (*Registry, error) {
	defaultOnce.Do(func() {
		defaultRegistry, defaultErr = Load(bytes.NewReader(defaultRegistryYAML))
	})
	return defaultRegistry, defaultErr
}

// MustDefault is Default for tests and static initialisation.
func MustDefault() *Registry {
	registry, err := Default()
	if err != nil {
		panic(err)
	}
	return registry
}

// LoadFile reads a registry from a YAML file.
func LoadFile(path string) (*Registry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open asset registry: %w", err)
	}
	defer file.Close()
	return Load(file)
}

// Load decodes a registry, rejecting unknown keys.
func Load(reader io.Reader) (*Registry, error) {
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	var file registryFile
	if err := decoder.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("asset registry is empty")
		}
		return nil, fmt.Errorf("could not unmarshal asset registry as YAML: %w", err)
	}

	r := &Registry{
		fiat:    toSet(file.Fiat),
		stable:  toSet(file.Stablecoins),
		known:   toSet(file.Known),
		aliases: make(map[string]string, len(file.Aliases)),
	}
	for symbol := range r.fiat {
		r.known[symbol] = struct{}{}
	}
	for symbol := range r.stable {
		if _, ok := r.fiat[symbol]; ok {
			return nil, fmt.Errorf("asset %s is listed as both fiat and stablecoin", symbol)
		}
		r.known[symbol] = struct{}{}
	}
	for from, to := range file.Aliases {
		from, to = normalizeSymbol(from), normalizeSymbol(to)
		if from == "" || to == "" {
			return nil, fmt.Errorf("invalid alias %q -> %q", from, to)
		}
		r.aliases[from] = to
	}
	for _, suffix := range file.Suffixes {
		if suffix = normalizeSymbol(suffix); suffix != "" {
			r.suffixes = append(r.suffixes, suffix)
		}
	}
	return r, nil
}

// Canonical maps an exchange spelling to its public ticker.
// Unmapped symbols come back upper-cased and unchanged otherwise.
func (r *Registry) Canonical(symbol string) string {
	s := normalizeSymbol(symbol)
	if s == "" {
		return ""
	}
	if alias, ok := r.aliases[s]; ok {
		return alias
	}
	for _, suffix := range r.suffixes {
		if strings.HasSuffix(s, suffix) && len(s) > len(suffix) {
			s = strings.TrimSuffix(s, suffix)
			break
		}
	}
	if alias, ok := r.aliases[s]; ok {
		return alias
	}
	return s
}

// IsKnown reports whether a canonical symbol is in the registry.
func (r *Registry) IsKnown(symbol string) bool {
	_, ok := r.known[normalizeSymbol(symbol)]
	return ok
}

// IsFiat reports whether a canonical symbol is a fiat currency.
func (r *Registry) IsFiat(symbol string) bool {
	_, ok := r.fiat[normalizeSymbol(symbol)]
	return ok
}

// IsStablecoin reports whether a canonical symbol is a USD-pegged stablecoin.
func (r *Registry) IsStablecoin(symbol string) bool {
	_, ok := r.stable[normalizeSymbol(symbol)]
	return ok
}

// IsFiatOrStable reports whether a symbol is valued at 1.0 USD absent other data.
func (r *Registry) IsFiatOrStable(symbol string) bool {
	return r.IsFiat(symbol) || r.IsStablecoin(symbol)
}

// UnknownCollector gathers unrecognised canonical symbols, sorted and deduplicated.
type UnknownCollector struct {
	registry *Registry
	seen     map[string]struct{}
}

// NewUnknownCollector returns a collector bound to r.
func (r *Registry) NewUnknownCollector() *UnknownCollector {
	return &UnknownCollector{registry: r, seen: make(map[string]struct{})}
}

// Observe records symbol if it is non-empty and unknown.
func (c *UnknownCollector) Observe(symbol string) {
	if symbol == "" || c.registry.IsKnown(symbol) {
		return
	}
	c.seen[symbol] = struct{}{}
}

// Symbols returns the collected symbols in sorted order.
func (c *UnknownCollector) Symbols() []string {
	out := make([]string, 0, len(c.seen))
	for symbol := range c.seen {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v = normalizeSymbol(v); v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}
