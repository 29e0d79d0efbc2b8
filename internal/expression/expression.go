// Package expression compiles path templates such as "/users/{id}/posts/{post}"
// into matchers that test concrete paths and extract the placeholder values.
package expression

import (
	"fmt"
	"regexp"
	"strings"
)

// bindingPattern is the pattern each {name} placeholder captures.
const bindingPattern = `([a-zA-Z0-9\-_]+)`

// DuplicateParameterError is returned when a placeholder name appears twice in
// the same template.
type DuplicateParameterError struct {
	Template string
	Name     string
}

func (e *DuplicateParameterError) Error() string {
	return fmt.Sprintf("duplicate parameter %q in template %q", e.Name, e.Template)
}

// SyntaxError is returned for unterminated or empty placeholders.
type SyntaxError struct {
	Template string
	Offset   int
	Reason   string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid template %q at offset %d: %s", e.Template, e.Offset, e.Reason)
}

// Result is the outcome of matching a path against an expression.
type Result struct {
	Matches  bool
	Bindings map[string]string
}

// Expression is a compiled path template. It is immutable and safe for
// concurrent use.
type Expression struct {
	template string
	names    []string
	re       *regexp.Regexp
}

// Compile scans the template left to right, turning each {name} into a capture
// and quoting the literal text around it.
func Compile(template string) (*Expression, error) {
	var (
		names   []string
		seen    = make(map[string]struct{})
		pattern strings.Builder
		rest    = template
		offset  = 0
	)

	pattern.WriteByte('^')
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			if strings.IndexByte(rest, '}') >= 0 {
				return nil, &SyntaxError{Template: template, Offset: offset + strings.IndexByte(rest, '}'), Reason: "unexpected '}'"}
			}
			pattern.WriteString(regexp.QuoteMeta(rest))
			break
		}

		literal := rest[:open]
		if strings.IndexByte(literal, '}') >= 0 {
			return nil, &SyntaxError{Template: template, Offset: offset + strings.IndexByte(literal, '}'), Reason: "unexpected '}'"}
		}
		pattern.WriteString(regexp.QuoteMeta(literal))

		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return nil, &SyntaxError{Template: template, Offset: offset + open, Reason: "unterminated placeholder"}
		}
		name := rest[open+1 : open+end]
		if name == "" || strings.IndexByte(name, '{') >= 0 {
			return nil, &SyntaxError{Template: template, Offset: offset + open, Reason: "empty or nested placeholder"}
		}
		if _, dup := seen[name]; dup {
			return nil, &DuplicateParameterError{Template: template, Name: name}
		}
		seen[name] = struct{}{}
		names = append(names, name)
		pattern.WriteString(bindingPattern)

		offset += open + end + 1
		rest = rest[open+end+1:]
	}
	pattern.WriteByte('$')

	expr := &Expression{template: template, names: names}
	if len(names) > 0 {
		re, err := regexp.Compile(pattern.String())
		if err != nil {
			return nil, fmt.Errorf("compile template %q: %w", template, err)
		}
		expr.re = re
	}
	return expr, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(template string) *Expression {
	expr, err := Compile(template)
	if err != nil {
		panic(err)
	}
	return expr
}

// Template returns the source template.
func (e *Expression) Template() string {
	return e.template
}

// IsPattern reports whether the template has at least one placeholder.
func (e *Expression) IsPattern() bool {
	return e.re != nil
}

// Names returns the placeholder names in template order.
func (e *Expression) Names() []string {
	out := make([]string, len(e.names))
	copy(out, e.names)
	return out
}

// Query tests path against the expression. Literal templates compare by
// equality; pattern templates return one binding per placeholder.
func (e *Expression) Query(path string) Result {
	if e.re == nil {
		return Result{Matches: path == e.template}
	}

	groups := e.re.FindStringSubmatch(path)
	if groups == nil {
		return Result{}
	}

	bindings := make(map[string]string, len(e.names))
	for i, name := range e.names {
		bindings[name] = groups[i+1]
	}
	return Result{Matches: true, Bindings: bindings}
}
