package programs

import (
	"fmt"
	"regexp"
	"strings"
)

func init() {
	Register("grep", func() Program {
		return &Grep{}
	})
}

// Grep emits every matching line keyed by its input position.
type Grep struct {
	pattern *regexp.Regexp
}

func (g *Grep) Name() string {
	return "grep"
}

func (g *Grep) Describe() string {
	return "searches for lines matching a specified pattern"
}

func (g *Grep) Configure(config map[string]string) error {
	expr, ok := config["pattern"]
	if !ok {
		return fmt.Errorf("pattern must be specified in the program configuration")
	}

	if cs, ok := config["case-sensitive"]; ok && (strings.ToLower(cs) == "false" || cs == "0") {
		expr = "(?i)" + expr
	}

	pattern, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("invalid regex pattern: %w", err)
	}
	g.pattern = pattern
	return nil
}

func (g *Grep) Validate() error {
	if g.pattern == nil {
		return fmt.Errorf("pattern must be specified in the program configuration")
	}
	return nil
}

func (g *Grep) Map(key, line string) []KeyValue {
	if g.pattern.MatchString(line) {
		return []KeyValue{{Key: key, Value: line}}
	}
	return nil
}

func (g *Grep) Reduce(key string, values []string) KeyValue {
	return KeyValue{Key: key, Value: strings.TrimSpace(values[0])}
}
