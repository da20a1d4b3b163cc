package gate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"go/parser"
	"go/token"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"gopkg.in/yaml.v3"
)

// checker validates the content of one artifact kind
type checker func(path string, data []byte, required []string) error

var checkers = map[string]checker{
	"json": checkJSON,
	"yaml": checkYAML,
	"yml":  checkYAML,
	"toml": checkTOML,
	"hcl":  checkHCL,
	"tf":   checkHCL,
	"go":   checkGo,
	"js":   checkBrackets,
	"jsx":  checkBrackets,
	"ts":   checkBrackets,
	"tsx":  checkBrackets,
}

// SupportedKinds lists the kinds with structural checks, sorted
func SupportedKinds() []string {
	kinds := make([]string, 0, len(checkers))
	for k := range checkers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func checkArtifact(kind, display, path string, data []byte, required []string) CheckResult {
	name := "schema:" + kind
	check, ok := checkers[kind]
	if !ok {
		if kind == "" {
			name = "schema"
		}
		return CheckResult{Name: name, Path: display, Pass: true, Skipped: true, Reason: "no structural check for this kind"}
	}
	if err := check(path, data, required); err != nil {
		return CheckResult{Name: name, Path: display, Reason: err.Error()}
	}
	return CheckResult{Name: name, Path: display, Pass: true}
}

func requireKeys(doc interface{}, required []string) error {
	if len(required) == 0 {
		return nil
	}
	m, ok := doc.(map[string]interface{})
	if !ok {
		return fmt.Errorf("expected a top-level object with keys %s", strings.Join(required, ", "))
	}
	var missing []string
	for _, k := range required {
		if _, ok := m[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required keys: %s", strings.Join(missing, ", "))
	}
	return nil
}

func checkJSON(_ string, data []byte, required []string) error {
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("invalid JSON: trailing data after document")
	}
	return requireKeys(doc, required)
}

func checkYAML(_ string, data []byte, required []string) error {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid YAML: %w", err)
	}
	return requireKeys(doc, required)
}

func checkTOML(_ string, data []byte, required []string) error {
	var doc map[string]interface{}
	if _, err := toml.Decode(string(data), &doc); err != nil {
		return fmt.Errorf("invalid TOML: %w", err)
	}
	return requireKeys(doc, required)
}

func checkHCL(path string, data []byte, required []string) error {
	file, diags := hclparse.NewParser().ParseHCL(data, path)
	if diags.HasErrors() {
		return fmt.Errorf("invalid HCL: %s", diags.Error())
	}
	if len(required) == 0 {
		return nil
	}

	body, ok := file.Body.(*hclsyntax.Body)
	if !ok {
		return fmt.Errorf("unexpected HCL body type %T", file.Body)
	}
	present := make(map[string]bool)
	for name := range body.Attributes {
		present[name] = true
	}
	for _, block := range body.Blocks {
		present[block.Type] = true
	}
	var missing []string
	for _, k := range required {
		if !present[k] {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required attributes or blocks: %s", strings.Join(missing, ", "))
	}
	return nil
}

func checkGo(path string, data []byte, _ []string) error {
	if _, err := parser.ParseFile(token.NewFileSet(), path, data, parser.AllErrors); err != nil {
		return fmt.Errorf("invalid Go source: %w", err)
	}
	return nil
}

var closeToOpen = map[byte]byte{')': '(', ']': '[', '}': '{'}

// checkBrackets verifies (), [] and {} nest correctly, ignoring string
// literals (single, double, template) and line or block comments.
func checkBrackets(_ string, data []byte, _ []string) error {
	type open struct {
		ch   byte
		line int
	}
	var stack []open
	line := 1
	n := len(data)

	for i := 0; i < n; i++ {
		ch := data[i]
		switch {
		case ch == '\n':
			line++
		case ch == '/' && i+1 < n && data[i+1] == '/':
			for i < n && data[i] != '\n' {
				i++
			}
			if i < n {
				line++
			}
		case ch == '/' && i+1 < n && data[i+1] == '*':
			i += 2
			for i+1 < n && !(data[i] == '*' && data[i+1] == '/') {
				if data[i] == '\n' {
					line++
				}
				i++
			}
			i++
		case ch == '"' || ch == '\'' || ch == '`':
			quote := ch
			for i++; i < n; i++ {
				c := data[i]
				if c == '\n' {
					line++
				}
				if c == '\\' {
					i++
					continue
				}
				if c == quote {
					break
				}
			}
		case ch == '(' || ch == '[' || ch == '{':
			stack = append(stack, open{ch: ch, line: line})
		case ch == ')' || ch == ']' || ch == '}':
			if len(stack) == 0 {
				return fmt.Errorf("unopened %q on line %d", ch, line)
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if top.ch != closeToOpen[ch] {
				return fmt.Errorf("%q from line %d closed by %q on line %d", top.ch, top.line, ch, line)
			}
		}
	}

	if len(stack) > 0 {
		top := stack[len(stack)-1]
		return fmt.Errorf("unclosed %q from line %d", top.ch, top.line)
	}
	return nil
}
