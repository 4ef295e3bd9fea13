// Package personalize renders campaign templates against recipient attributes.
//
// Placeholders are {name} tokens matched case-insensitively. Values come from
// the recipient's flattened attributes, then the derived first_name/last_name
// aliases, then caller supplied variables, later sources winning. Tokens that
// resolve to nothing are removed from the output.
package personalize

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

const (
	DefaultMaxLength = 4096
	DefaultFirstName = "there"
	DefaultLastName  = ""
)

var tokenRx = regexp.MustCompile(`\{([^{}]*)\}`)

type Personalizer struct {
	MaxLength int
}

func New(maxLength int) *Personalizer {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &Personalizer{MaxLength: maxLength}
}

// Validation is the outcome of Validate. Variables lists the distinct
// placeholder names in order of first appearance, lower-cased.
type Validation struct {
	OK        bool     `json:"ok"`
	Errors    []string `json:"errors"`
	Variables []string `json:"variables"`
}

// Render substitutes every placeholder in template. It never fails; unknown
// placeholders are dropped.
func (p *Personalizer) Render(template string, recipient model.Recipient, extraVars map[string]string) string {
	vars := Variables(recipient, extraVars)
	return tokenRx.ReplaceAllStringFunc(template, func(tok string) string {
		name := normalize(tok[1 : len(tok)-1])
		return sanitize(vars[name])
	})
}

// Variables builds the lookup table Render uses for recipient.
func Variables(recipient model.Recipient, extraVars map[string]string) map[string]string {
	vars := map[string]string{}
	for k, v := range recipient.Attributes() {
		vars[normalize(k)] = v
	}

	first, last := splitName(firstNonEmpty(vars["name"], vars["full_name"]))
	if vars["first_name"] == "" {
		vars["first_name"] = first
	}
	if vars["last_name"] == "" {
		vars["last_name"] = last
	}

	for k, v := range extraVars {
		vars[normalize(k)] = v
	}
	return vars
}

func (p *Personalizer) Validate(template string, requiredVars []string) Validation {
	v := Validation{Errors: []string{}, Variables: []string{}}

	if strings.TrimSpace(template) == "" {
		v.Errors = append(v.Errors, "template cannot be empty")
	}

	maxLen := p.MaxLength
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}
	if n := utf8.RuneCountInString(template); n > maxLen {
		v.Errors = append(v.Errors, fmt.Sprintf("template is %d characters, limit is %d", n, maxLen))
	}

	v.Errors = append(v.Errors, braceErrors(template)...)

	seen := map[string]bool{}
	for _, m := range tokenRx.FindAllStringSubmatch(template, -1) {
		name := normalize(m[1])
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		v.Variables = append(v.Variables, name)
	}

	for _, req := range requiredVars {
		name := normalize(req)
		if name != "" && !seen[name] {
			v.Errors = append(v.Errors, fmt.Sprintf("missing required variable {%s}", name))
		}
	}

	v.OK = len(v.Errors) == 0
	return v
}

// braceErrors reports unbalanced or nested braces. Nesting is rejected
// because a single substitution pass would leave the outer pair behind.
func braceErrors(template string) []string {
	var errs []string
	depth := 0
	nested, stray := false, false
	for _, r := range template {
		switch r {
		case '{':
			if depth > 0 {
				nested = true
			}
			depth++
		case '}':
			if depth == 0 {
				stray = true
				continue
			}
			depth--
		}
	}
	if stray || depth != 0 {
		errs = append(errs, "unbalanced braces")
	}
	if nested {
		errs = append(errs, "nested braces are not allowed")
	}
	return errs
}

func splitName(full string) (string, string) {
	parts := strings.Fields(full)
	if len(parts) == 0 {
		return DefaultFirstName, DefaultLastName
	}
	return parts[0], strings.Join(parts[1:], " ")
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// sanitize strips braces so substituted values cannot reintroduce tokens.
func sanitize(value string) string {
	return strings.NewReplacer("{", "", "}", "").Replace(value)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
