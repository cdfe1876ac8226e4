// Package template implements the merge language used by dispatch runs:
// optional Subject/To header lines followed by a body, with {{field}}
// placeholders substituted from a contact's merge data.
package template

import (
	"regexp"
	"strings"

	"github.com/draftsmith/draftsmith/internal/models"
)

var (
	placeholderRe = regexp.MustCompile(`\{\{\s*([^{}\s]+)\s*\}\}`)
	recipientsRe  = regexp.MustCompile(`[,;\s]+`)
)

// Parsed is a template split into its sections, still containing
// placeholders.
type Parsed struct {
	Subject    string
	Recipients string
	Body       string
}

// Rendered is the merge output for one contact.
type Rendered struct {
	Subject    string
	Recipients []string
	Body       string
}

// Parse splits template content into subject, recipients and body. Content
// may begin with "Subject:" and/or "To:"/"Recipients:" lines terminated by a
// blank line; without headers the whole content is the body and the subject
// is empty.
func Parse(content string) Parsed {
	var p Parsed
	lines := strings.Split(content, "\n")

	i := 0
	for i < len(lines) {
		line := lines[i]
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "subject:"):
			p.Subject = strings.TrimSpace(line[len("subject:"):])
		case strings.HasPrefix(lower, "to:"):
			p.Recipients = strings.TrimSpace(line[len("to:"):])
		case strings.HasPrefix(lower, "recipients:"):
			p.Recipients = strings.TrimSpace(line[len("recipients:"):])
		default:
			// No header block at all: everything is body.
			if i == 0 {
				p.Body = content
				return p
			}
			p.Body = strings.Join(lines[i:], "\n")
			return p
		}
		i++
		if i < len(lines) && strings.TrimSpace(lines[i]) == "" {
			p.Body = strings.Join(lines[i+1:], "\n")
			return p
		}
	}
	return p
}

// Variables returns the distinct placeholder names in content, in order of
// first appearance.
func Variables(content string) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, m := range placeholderRe.FindAllStringSubmatch(content, -1) {
		name := m[1]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// Substitute replaces every {{field}} occurrence with the contact's value for
// that field. Unknown fields substitute as empty strings.
func Substitute(s string, contact models.Contact) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		v, _ := contact.Field(name)
		return v
	})
}

// Merge renders a template against one contact. Pure: merging the same
// template and contact twice yields identical output. Recipients are split
// on commas, semicolons and whitespace after substitution; when the merge
// yields no addresses the contact's email is used.
func Merge(tmpl models.Template, contact models.Contact) Rendered {
	p := Parse(tmpl.Content)

	r := Rendered{
		Subject: Substitute(p.Subject, contact),
		Body:    Substitute(p.Body, contact),
	}

	merged := Substitute(p.Recipients, contact)
	for _, addr := range recipientsRe.Split(merged, -1) {
		if addr != "" {
			r.Recipients = append(r.Recipients, addr)
		}
	}
	if len(r.Recipients) == 0 && contact.Email != "" {
		r.Recipients = []string{contact.Email}
	}
	return r
}
