package validate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/ashureev/mcp-gateway/internal/protocol"
)

// Result is the outcome of validating one message.
type Result struct {
	Valid  bool
	Errors []string
}

// Config sizes the two LRU tiers.
type Config struct {
	SchemaCacheSize     int
	ValidationCacheSize int
}

func DefaultConfig() Config {
	return Config{SchemaCacheSize: 64, ValidationCacheSize: 4096}
}

// Validator is the two-tier validator from spec §4.3.
type Validator struct {
	store         SchemaStore
	schemaCache   *lru[Schema]
	validateCache *lru[Result]

	// Validate is called concurrently from every connection's read loop, so
	// these counters must be updated atomically rather than under the LRU
	// tiers' own locks.
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
}

func New(cfg Config) *Validator {
	return &Validator{
		store:         SchemaStore{},
		schemaCache:   newLRU[Schema](cfg.SchemaCacheSize),
		validateCache: newLRU[Result](cfg.ValidationCacheSize),
	}
}

// CacheStats reports counters suitable for emitting validation.cache.hit /
// validation.cache.miss metrics.
type CacheStats struct {
	Hits   int64
	Misses int64
}

func (v *Validator) Stats() CacheStats {
	return CacheStats{Hits: v.cacheHits.Load(), Misses: v.cacheMisses.Load()}
}

// Validate checks m.Data against the schema registered for m.Type. It is
// idempotent: repeated calls with an identical message return the same
// Result, served from the validation cache after the first call.
func (v *Validator) Validate(m *protocol.Message) Result {
	cacheKey := cacheKeyFor(m)
	if r, ok := v.validateCache.Get(cacheKey); ok {
		v.cacheHits.Add(1)
		return r
	}
	v.cacheMisses.Add(1)

	result := v.validate(m)
	if result.Valid {
		v.validateCache.Put(cacheKey, result)
	}
	return result
}

func (v *Validator) validate(m *protocol.Message) Result {
	if m.Type == "" {
		return Result{Valid: false, Errors: []string{"Unknown message type"}}
	}

	schema, ok := v.schemaCache.Get(string(m.Type))
	if !ok {
		schema, ok = v.store.Lookup(m.Type)
		if ok {
			v.schemaCache.Put(string(m.Type), schema)
		}
	}
	if !ok {
		return Result{Valid: false, Errors: []string{"Unknown message type"}}
	}

	data, err := m.DataAsMap()
	if err != nil {
		return Result{Valid: false, Errors: []string{"Malformed message data: " + err.Error()}}
	}

	var errs []string
	walkObject(schema.Required, schema.Properties, data, &errs)

	return Result{Valid: len(errs) == 0, Errors: errs}
}

func walkObject(required []string, properties map[string]PropertySchema, data map[string]interface{}, errs *[]string) {
	for _, field := range required {
		if _, ok := data[field]; !ok {
			*errs = append(*errs, fmt.Sprintf("missing required field %q", field))
		}
	}

	for name, propSchema := range properties {
		val, present := data[name]
		if !present {
			continue // unknown/absent optional fields are allowed
		}
		checkProperty(name, propSchema, val, errs)
	}
}

func checkProperty(name string, schema PropertySchema, val interface{}, errs *[]string) {
	if val == nil {
		*errs = append(*errs, fmt.Sprintf("field %q must not be null", name))
		return
	}

	switch schema.Type {
	case TypeString:
		s, ok := val.(string)
		if !ok {
			*errs = append(*errs, fmt.Sprintf("field %q must be a string", name))
			return
		}
		if len(schema.Enum) > 0 && !contains(schema.Enum, s) {
			*errs = append(*errs, fmt.Sprintf("field %q must be one of %v", name, schema.Enum))
		}

	case TypeArray:
		arr, ok := val.([]interface{})
		if !ok {
			*errs = append(*errs, fmt.Sprintf("field %q must be an array", name))
			return
		}
		if schema.Items == nil {
			return // array items without an items schema are accepted
		}
		for i, item := range arr {
			checkProperty(fmt.Sprintf("%s[%d]", name, i), *schema.Items, item, errs)
		}

	case TypeObject:
		obj, ok := val.(map[string]interface{})
		if !ok {
			*errs = append(*errs, fmt.Sprintf("field %q must be an object", name))
			return
		}
		walkObject(nil, schema.Properties, obj, errs)

	default:
		// Unrecognized PropertyType in the constant data is a programmer
		// error in a schema definition, not a client input error.
		slog.Error("validate: schema has unrecognized property type", "field", name, "type", schema.Type)
	}
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// cacheKeyFor serializes a message deterministically for the validation
// cache key. Object key order from json.Marshal of a map is already sorted
// lexicographically by the standard library, but we sort m.Data's top-level
// keys explicitly via a round trip to be resilient to that implementation
// detail changing.
func cacheKeyFor(m *protocol.Message) string {
	data, err := m.DataAsMap()
	if err != nil {
		return string(m.Type) + "|" + string(m.Data)
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make(map[string]interface{}, len(data))
	for _, k := range keys {
		ordered[k] = data[k]
	}
	b, err := json.Marshal(ordered)
	if err != nil {
		return string(m.Type) + "|" + string(m.Data)
	}
	return string(m.Type) + "|" + string(b)
}
