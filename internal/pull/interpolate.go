package pull

import "regexp"

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.-]+)\s*\}\}`)

// Interpolate substitutes {{key}} placeholders with the supplied
// variables. A placeholder with no matching variable is left verbatim
// so the caller can see exactly what was not bound.
func Interpolate(content string, vars map[string]string) string {
	if len(vars) == 0 || content == "" {
		return content
	}
	return placeholderRe.ReplaceAllStringFunc(content, func(m string) string {
		key := placeholderRe.FindStringSubmatch(m)[1]
		if v, ok := vars[key]; ok {
			return v
		}
		return m
	})
}
