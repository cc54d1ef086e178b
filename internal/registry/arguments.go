package registry

import "github.com/mark3labs/mcp-go/mcp"

// DefaultArguments synthesizes a request payload for a tool from its input
// schema: required properties get their schema default, first enum value,
// or a type-appropriate placeholder.
func DefaultArguments(tool mcp.Tool) map[string]interface{} {
	args := make(map[string]interface{})
	if tool.InputSchema.Properties == nil {
		return args
	}

	requiredMap := make(map[string]bool, len(tool.InputSchema.Required))
	for _, name := range tool.InputSchema.Required {
		requiredMap[name] = true
	}

	for propName, propValue := range tool.InputSchema.Properties {
		if !requiredMap[propName] {
			continue
		}
		propMap, ok := propValue.(map[string]interface{})
		if !ok {
			continue
		}
		args[propName] = defaultValue(propMap)
	}
	return args
}

// defaultValue returns a sensible value based on JSON schema type.
func defaultValue(schema map[string]interface{}) interface{} {
	if defaultVal, hasDefault := schema["default"]; hasDefault {
		return defaultVal
	}

	if enumVals, hasEnum := schema["enum"].([]interface{}); hasEnum && len(enumVals) > 0 {
		return enumVals[0]
	}

	typeVal, hasType := schema["type"].(string)
	if !hasType {
		return nil
	}

	switch typeVal {
	case "string":
		if example, hasExample := schema["example"].(string); hasExample {
			return example
		}
		return "example"
	case "number", "integer":
		if example, hasExample := schema["example"]; hasExample {
			return example
		}
		return 0
	case "boolean":
		return false
	case "array":
		return []interface{}{}
	case "object":
		return map[string]interface{}{}
	default:
		return nil
	}
}
