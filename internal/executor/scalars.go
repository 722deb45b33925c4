package executor

import (
	"encoding/json"
	"fmt"
)

// SerializeScalar serializes value for one of the built-in scalars. Values
// of other types, including enums and custom scalars, are returned as is.
// Numbers decoded as json.Number are accepted for every numeric scalar.
func SerializeScalar(typeName string, value any) (any, error) {
	switch typeName {
	case "Int":
		return coerceToInt(value)
	case "Float":
		return coerceToFloat(value)
	case "String":
		switch v := value.(type) {
		case string:
			return v, nil
		case fmt.Stringer:
			return v.String(), nil
		case json.Number:
			return v.String(), nil
		}
		return coerceToString(value)
	case "Boolean":
		return coerceToBoolean(value)
	case "ID":
		return coerceToID(value)
	}
	if s, ok := value.(fmt.Stringer); ok {
		return s.String(), nil
	}
	return value, nil
}
