package prompt

import (
	"fmt"
	"strings"
)

// replaceParamsInPath substitutes every {name} placeholder in an endpoint
// path with its value. A placeholder without a value is an error.
func replaceParamsInPath(path string, params map[string]string) (string, error) {
	var result strings.Builder
	var current strings.Builder
	inParam := false

	for _, c := range path {
		switch {
		case c == '{':
			inParam = true
		case c == '}':
			inParam = false
			name := current.String()
			value, ok := params[name]
			if !ok {
				return "", fmt.Errorf("missing value for parameter `%s`", name)
			}
			result.WriteString(value)
			current.Reset()
		case inParam:
			current.WriteRune(c)
		default:
			result.WriteRune(c)
		}
	}

	return result.String(), nil
}
