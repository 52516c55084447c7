package script

// Schema is the JSON Schema every script must satisfy. YAML scripts are
// converted to JSON before validation.
const Schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["steps"],
  "additionalProperties": false,
  "properties": {
    "name": {
      "type": "string",
      "maxLength": 128
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["device", "op"],
        "additionalProperties": false,
        "properties": {
          "device": {
            "type": "string",
            "minLength": 1
          },
          "op": {
            "type": "string",
            "enum": ["power_on", "power_off", "measure"]
          },
          "protocol": {
            "type": "integer",
            "minimum": 0
          }
        },
        "if": {
          "properties": { "op": { "const": "measure" } }
        },
        "then": {
          "required": ["protocol"]
        },
        "else": {
          "not": { "required": ["protocol"] }
        }
      }
    }
  }
}`
