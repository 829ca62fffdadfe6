// Package properties holds flat key/value configuration. Callers address
// settings by prefixed dotted keys ("metaServer.log.maxBlockSize"); nested
// subsystems receive the same map with a longer prefix. Configuration files
// are YAML, flattened into dotted keys on load.
package properties

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Properties is a flat string-to-string map with typed accessors.
type Properties struct {
	m map[string]string
}

// New returns an empty property set.
func New() *Properties {
	return &Properties{m: make(map[string]string)}
}

// NewFromMap copies entries into a new property set.
func NewFromMap(entries map[string]string) *Properties {
	p := New()
	for k, v := range entries {
		p.m[k] = v
	}
	return p
}

// Load parses YAML from r and flattens nested mappings into dotted keys.
func Load(r io.Reader) (*Properties, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read properties: %w", err)
	}
	var root map[string]interface{}
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse properties: %w", err)
	}
	p := New()
	flatten("", root, p.m)
	return p, nil
}

// LoadFile loads a YAML properties file from the OS file system.
func LoadFile(path string) (*Properties, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open properties file: %w", err)
	}
	defer f.Close()
	return Load(f)
}

func flatten(prefix string, node map[string]interface{}, out map[string]string) {
	for k, v := range node {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch child := v.(type) {
		case map[string]interface{}:
			flatten(key, child, out)
		case nil:
			out[key] = ""
		default:
			out[key] = fmt.Sprint(child)
		}
	}
}

// CopyWithPrefix returns a new property set holding only the entries whose
// keys start with prefix. Keys are kept unchanged, so the receiving subsystem
// reads them with the same prefix.
func (p *Properties) CopyWithPrefix(prefix string) *Properties {
	out := New()
	for k, v := range p.m {
		if strings.HasPrefix(k, prefix) {
			out.m[k] = v
		}
	}
	return out
}

// Set stores a value.
func (p *Properties) Set(key, value string) {
	p.m[key] = value
}

// Has reports whether key is present.
func (p *Properties) Has(key string) bool {
	_, ok := p.m[key]
	return ok
}

// GetString returns the value of key, or def when absent.
func (p *Properties) GetString(key, def string) string {
	if v, ok := p.m[key]; ok {
		return v
	}
	return def
}

// GetInt returns key parsed as an int, or def when absent or malformed.
func (p *Properties) GetInt(key string, def int) int {
	return int(p.GetInt64(key, int64(def)))
}

// GetInt64 returns key parsed as an int64, or def when absent or malformed.
func (p *Properties) GetInt64(key string, def int64) int64 {
	v, ok := p.m[key]
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// GetFloat returns key parsed as a float64, or def when absent or malformed.
func (p *Properties) GetFloat(key string, def float64) float64 {
	v, ok := p.m[key]
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// GetBool returns key as a boolean. Both "true"/"false" and the numeric
// convention (zero is false, nonzero is true) are accepted.
func (p *Properties) GetBool(key string, def bool) bool {
	v, ok := p.m[key]
	if !ok {
		return def
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n != 0
	}
	return def
}

// Keys returns all keys in sorted order.
func (p *Properties) Keys() []string {
	keys := make([]string, 0, len(p.m))
	for k := range p.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
