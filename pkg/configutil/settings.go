// Package configutil decodes the free-form provider settings maps found in
// the configuration file.
package configutil

import (
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Schema lists the keys a settings map may carry.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// SettingsError reports every problem found in one settings map.
type SettingsError struct {
	Missing []string
	Unknown []string
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(e.Unknown, ", "))
	}
	return strings.Join(parts, "; ")
}

// ValidateSettings checks input against schema. Keys match regardless of
// case, underscores and hyphens, so "account-sid" satisfies "account_sid".
func ValidateSettings(input map[string]any, schema Schema) error {
	allowed := make(map[string]struct{}, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Optional {
		allowed[normalizeKey(k)] = struct{}{}
	}
	present := make(map[string]any, len(input))
	errs := &SettingsError{}
	for k, v := range input {
		nk := normalizeKey(k)
		present[nk] = v
		if _, ok := allowed[nk]; ok || schema.AllowUnknown || isRequired(schema, nk) {
			continue
		}
		errs.Unknown = append(errs.Unknown, k)
	}
	for _, k := range schema.Required {
		v, ok := present[normalizeKey(k)]
		if !ok || isEmptyValue(v) {
			errs.Missing = append(errs.Missing, k)
		}
	}
	if len(errs.Missing) == 0 && len(errs.Unknown) == 0 {
		return nil
	}
	sort.Strings(errs.Missing)
	sort.Strings(errs.Unknown)
	return errs
}

// DecodeSettings decodes input into out using mapstructure tags, with the
// same key matching as ValidateSettings.
func DecodeSettings(input map[string]any, out any) error {
	if len(input) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		MatchName: func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		},
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

func isRequired(schema Schema, nk string) bool {
	for _, k := range schema.Required {
		if normalizeKey(k) == nk {
			return true
		}
	}
	return false
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

func normalizeKey(value string) string {
	value = strings.ToLower(value)
	value = strings.ReplaceAll(value, "_", "")
	return strings.ReplaceAll(value, "-", "")
}
