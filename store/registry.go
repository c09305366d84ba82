package store

import (
	"context"
	"fmt"
)

// Factory creates a Store from a configuration map.
// The keys a factory understands depend on the store type.
type Factory func(context.Context, map[string]interface{}) (Store, error)

var registry = make(map[string]Factory)

// Register adds a factory for the store type named by key.
// It is normally called from an init function in the package implementing the store.
func Register(key string, f Factory) {
	registry[key] = f
}

// Create produces a Store of the type named by key.
// The package implementing that type must be linked into the program
// (e.g. with a blank import).
func Create(ctx context.Context, key string, conf map[string]interface{}) (Store, error) {
	f, ok := registry[key]
	if !ok {
		return nil, fmt.Errorf("key %s not found in registry", key)
	}
	return f(ctx, conf)
}

// FromConfig is Create with the store type taken from the "type" key of conf.
func FromConfig(ctx context.Context, conf map[string]interface{}) (Store, error) {
	typ, ok := conf["type"].(string)
	if !ok {
		return nil, fmt.Errorf(`store config missing "type"`)
	}
	return Create(ctx, typ, conf)
}

// Nested creates the store described by the map at conf[key].
// Wrapping stores (like lru and logging) use it.
func Nested(ctx context.Context, conf map[string]interface{}, key string) (Store, error) {
	nested, ok := conf[key].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing %q parameter", key)
	}
	return FromConfig(ctx, nested)
}
