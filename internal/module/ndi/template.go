package ndi

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// renderTemplate substitutes {name} placeholders in a command template.
// A placeholder with no matching variable is an error rather than a
// silent passthrough; a typo in the template should fail loudly instead
// of launching a viewer with a literal "{soruce}" argument.
func renderTemplate(template string, vars map[string]string) (string, error) {
	for _, match := range placeholderRe.FindAllStringSubmatch(template, -1) {
		if _, ok := vars[match[1]]; !ok {
			return "", fmt.Errorf("template references unknown placeholder {%s}", match[1])
		}
	}
	out := template
	for name, value := range vars {
		out = strings.ReplaceAll(out, "{"+name+"}", value)
	}
	return out, nil
}
