package model

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

var (
	timeType    = reflect.TypeOf(time.Time{})
	uuidType    = reflect.TypeOf(uuid.UUID{})
	rawJSONType = reflect.TypeOf(json.RawMessage{})
	bytesType   = reflect.TypeOf([]byte{})
)

// buildSchema derives an object schema in the layout used by the wider agent
// ecosystem: title, type, properties with per-field titles, sorted required list
// and a definitions table for nested structs.
func buildSchema(rt reflect.Type) (map[string]any, error) {
	defs := map[string]any{}
	schema, err := objectSchema(rt, defs, map[reflect.Type]bool{})
	if err != nil {
		return nil, err
	}
	if len(defs) > 0 {
		schema["definitions"] = defs
	}
	return schema, nil
}

func objectSchema(rt reflect.Type, defs map[string]any, visiting map[reflect.Type]bool) (map[string]any, error) {
	if visiting[rt] {
		return nil, fmt.Errorf("recursive type %s", rt)
	}
	visiting[rt] = true
	defer delete(visiting, rt)

	props := map[string]any{}
	var required []string
	if err := collectFields(rt, props, &required, defs, visiting); err != nil {
		return nil, err
	}
	sort.Strings(required)

	schema := map[string]any{
		"title":      rt.Name(),
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema, nil
}

func collectFields(rt reflect.Type, props map[string]any, required *[]string, defs map[string]any, visiting map[reflect.Type]bool) error {
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		name, omitempty, skip := jsonField(f)
		if skip {
			continue
		}
		if f.Anonymous && f.Tag.Get("json") == "" {
			ft := f.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				if err := collectFields(ft, props, required, defs, visiting); err != nil {
					return err
				}
				continue
			}
		}

		prop, err := valueSchema(f.Type, defs, visiting)
		if err != nil {
			return fmt.Errorf("field %s: %w", f.Name, err)
		}
		if _, isRef := prop["$ref"]; !isRef {
			prop["title"] = fieldTitle(name)
		}
		if desc := f.Tag.Get("description"); desc != "" {
			prop["description"] = desc
		}
		props[name] = prop
		if !omitempty && f.Type.Kind() != reflect.Pointer {
			*required = append(*required, name)
		}
	}
	return nil
}

func valueSchema(rt reflect.Type, defs map[string]any, visiting map[reflect.Type]bool) (map[string]any, error) {
	switch rt {
	case timeType:
		return map[string]any{"type": "string", "format": "date-time"}, nil
	case uuidType:
		return map[string]any{"type": "string", "format": "uuid"}, nil
	case rawJSONType:
		return map[string]any{}, nil
	case bytesType:
		return map[string]any{"type": "string", "format": "binary"}, nil
	}

	switch rt.Kind() {
	case reflect.Pointer:
		return valueSchema(rt.Elem(), defs, visiting)
	case reflect.String:
		return map[string]any{"type": "string"}, nil
	case reflect.Bool:
		return map[string]any{"type": "boolean"}, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]any{"type": "integer"}, nil
	case reflect.Float32, reflect.Float64:
		return map[string]any{"type": "number"}, nil
	case reflect.Interface:
		return map[string]any{}, nil
	case reflect.Slice, reflect.Array:
		items, err := valueSchema(rt.Elem(), defs, visiting)
		if err != nil {
			return nil, err
		}
		return map[string]any{"type": "array", "items": items}, nil
	case reflect.Map:
		if rt.Key().Kind() != reflect.String {
			return nil, fmt.Errorf("map key must be string, got %s", rt.Key())
		}
		values, err := valueSchema(rt.Elem(), defs, visiting)
		if err != nil {
			return nil, err
		}
		return map[string]any{"type": "object", "additionalProperties": values}, nil
	case reflect.Struct:
		if _, done := defs[rt.Name()]; !done {
			nested, err := objectSchema(rt, defs, visiting)
			if err != nil {
				return nil, err
			}
			defs[rt.Name()] = nested
		}
		return map[string]any{"$ref": "#/definitions/" + rt.Name()}, nil
	default:
		return nil, fmt.Errorf("unsupported kind %s", rt.Kind())
	}
}

func jsonField(f reflect.StructField) (name string, omitempty, skip bool) {
	if !f.IsExported() && !f.Anonymous {
		return "", false, true
	}
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", false, true
	}
	name, opts, _ := strings.Cut(tag, ",")
	if name == "" {
		name = f.Name
	}
	for _, opt := range strings.Split(opts, ",") {
		if opt == "omitempty" || opt == "omitzero" {
			omitempty = true
		}
	}
	return name, omitempty, false
}

// fieldTitle turns "user_id" into "User Id".
func fieldTitle(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool { return r == '_' })
	for i, w := range words {
		runes := []rune(w)
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}
