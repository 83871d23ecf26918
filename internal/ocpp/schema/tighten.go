package schema

// Tightening: every object schema that does not state an additionalProperties
// directive gets additionalProperties:false, recursively. The OCPP-shipped
// schemas leave it open, which would let typo'd fields pass validation
// silently. Actions on the allow-list (DataTransfer by default, since its
// data member is vendor-defined) are left as authored.

// subschemaKeys hold a single schema value.
var subschemaKeys = []string{
	"items", "not", "if", "then", "else",
	"propertyNames", "unevaluatedProperties", "unevaluatedItems",
	"additionalProperties", "contains",
}

// subschemaListKeys hold arrays of schemas.
var subschemaListKeys = []string{"allOf", "anyOf", "oneOf", "prefixItems"}

// subschemaMapKeys hold maps of name -> schema.
var subschemaMapKeys = []string{
	"properties", "patternProperties", "$defs", "definitions", "dependentSchemas",
}

// Tighten walks a decoded JSON schema and sets additionalProperties to false
// on every object schema that omits it. The input is mutated in place.
func Tighten(node interface{}) {
	m, ok := node.(map[string]interface{})
	if !ok {
		// "items" may be an array of schemas in older drafts.
		if list, ok := node.([]interface{}); ok {
			for _, item := range list {
				Tighten(item)
			}
		}
		return
	}

	if isObjectSchema(m) {
		if _, has := m["additionalProperties"]; !has {
			m["additionalProperties"] = false
		}
	}

	for _, key := range subschemaKeys {
		if sub, ok := m[key]; ok {
			Tighten(sub)
		}
	}
	for _, key := range subschemaListKeys {
		if list, ok := m[key].([]interface{}); ok {
			for _, sub := range list {
				Tighten(sub)
			}
		}
	}
	for _, key := range subschemaMapKeys {
		if sub, ok := m[key].(map[string]interface{}); ok {
			for _, child := range sub {
				Tighten(child)
			}
		}
	}
}

// isObjectSchema reports whether a schema node describes a JSON object. The
// OCPP schemas always carry an explicit "type"; schemas that declare
// "properties" without a type are treated as objects too.
func isObjectSchema(m map[string]interface{}) bool {
	switch t := m["type"].(type) {
	case string:
		return t == "object"
	case []interface{}:
		for _, v := range t {
			if s, ok := v.(string); ok && s == "object" {
				return true
			}
		}
		return false
	}
	_, hasProps := m["properties"]
	return hasProps
}
