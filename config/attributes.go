// Package config decodes the raw attribute maps the Front-End and Mapper
// are configured from into their typed Config structs, the way the
// teacher's own config package decodes component attributes.
package config

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// AttributeMap is a raw, loosely-typed configuration blob, as would arrive
// from JSON/YAML component config before being decoded into a typed struct.
type AttributeMap map[string]interface{}

// Decode decodes m into target, a pointer to a Config struct, using
// mapstructure tags. It mirrors the teacher's AttributeMap.Decode helper.
func (m AttributeMap) Decode(target interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
		TagName:          "attr",
	})
	if err != nil {
		return fmt.Errorf("config: building decoder: %w", err)
	}
	if err := dec.Decode(map[string]interface{}(m)); err != nil {
		return fmt.Errorf("config: decoding attributes: %w", err)
	}
	return nil
}

// Bool returns m[name] as a bool, or def if name is absent. It panics if
// the value is present but not a bool, matching the teacher's AttributeMap
// getters (documented as a known rough edge, not revisited here).
func (m AttributeMap) Bool(name string, def bool) bool {
	v, ok := m[name]
	if !ok {
		return def
	}
	return v.(bool)
}

// Float64 returns m[name] as a float64, or def if absent.
func (m AttributeMap) Float64(name string, def float64) float64 {
	v, ok := m[name]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		panic(fmt.Sprintf("config: %q is not numeric", name))
	}
}

// Int returns m[name] as an int, or def if absent.
func (m AttributeMap) Int(name string, def int) int {
	v, ok := m[name]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		panic(fmt.Sprintf("config: %q is not an int", name))
	}
}
