package service

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/mailroom/mailroom/internal/domain"
)

// Placeholder grammar, fixed by the wire contract with template authors:
// {{identifier}} substitution, {{#if identifier}}...{{/if}} conditionals and
// {{#each list}}...{{/each}} loops driven by {list}_count / {list}_{i}_{field}
// keys in the template data.
var (
	placeholderPattern = regexp.MustCompile(`\{\{(\w+)\}\}`)
	conditionalPattern = regexp.MustCompile(`(?s)\{\{#if (\w+)\}\}(.*?)\{\{/if\}\}`)
	loopPattern        = regexp.MustCompile(`(?s)\{\{#each (\w+)\}\}(.*?)\{\{/each\}\}`)
	leftoverPattern    = regexp.MustCompile(`\{\{[^{}]*\}\}`)
	htmlTagPattern     = regexp.MustCompile(`(?i)<(/?)([a-z][a-z0-9]*)[^>]*?(/?)>`)
)

// voidTags never take a closing tag and are excluded from balance checks.
var voidTags = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "link": true, "meta": true,
	"param": true, "source": true, "track": true, "wbr": true,
}

// TemplateEngine renders subject and body templates. It is stateless and safe
// for concurrent use.
type TemplateEngine struct{}

// NewTemplateEngine creates a new TemplateEngine
func NewTemplateEngine() *TemplateEngine {
	return &TemplateEngine{}
}

// ParseTemplateData decodes the queue row's template_data JSON object into a
// flat string map. Non-object payloads are rejected.
func ParseTemplateData(raw string) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]string{}, nil
	}
	if !gjson.Valid(raw) {
		return nil, fmt.Errorf("template data is not valid JSON")
	}
	parsed := gjson.Parse(raw)
	if !parsed.IsObject() {
		return nil, fmt.Errorf("template data must be a JSON object")
	}

	data := make(map[string]string)
	parsed.ForEach(func(key, value gjson.Result) bool {
		data[key.String()] = value.String()
		return true
	})
	return data, nil
}

// Render produces the final subject and body for a template. Rendering is
// deterministic: equal inputs yield byte-equal output. Unresolved tokens or
// unbalanced HTML fail validation and the caller must not send.
func (e *TemplateEngine) Render(template *domain.Template, data map[string]string, isHTML bool) (subject, body string, err error) {
	subject = e.RenderString(template.SubjectTemplate, data)
	body = e.RenderString(template.BodyTemplate, data)

	if err := e.validate(subject, false); err != nil {
		return "", "", domain.NewValidationError("template_render", fmt.Errorf("subject: %w", err))
	}
	if err := e.validate(body, isHTML); err != nil {
		return "", "", domain.NewValidationError("template_render", fmt.Errorf("body: %w", err))
	}

	return subject, body, nil
}

// RenderString applies loops, conditionals and placeholder substitution to a
// single template string. Missing keys leave their tokens intact.
func (e *TemplateEngine) RenderString(template string, data map[string]string) string {
	result := e.expandLoops(template, data)
	result = e.expandConditionals(result, data)
	return e.substitute(result, data)
}

func (e *TemplateEngine) expandLoops(template string, data map[string]string) string {
	return loopPattern.ReplaceAllStringFunc(template, func(match string) string {
		groups := loopPattern.FindStringSubmatch(match)
		list, inner := groups[1], groups[2]

		countValue, ok := lookup(data, list+"_count")
		if !ok {
			return match
		}
		count, err := strconv.Atoi(strings.TrimSpace(countValue))
		if err != nil || count < 0 {
			return match
		}

		var out strings.Builder
		for i := 0; i < count; i++ {
			iteration := placeholderPattern.ReplaceAllStringFunc(inner, func(token string) string {
				field := placeholderPattern.FindStringSubmatch(token)[1]
				value, ok := lookup(data, fmt.Sprintf("%s_%d_%s", list, i, field))
				if !ok {
					return token
				}
				return value
			})
			out.WriteString(iteration)
		}
		return out.String()
	})
}

func (e *TemplateEngine) expandConditionals(template string, data map[string]string) string {
	return conditionalPattern.ReplaceAllStringFunc(template, func(match string) string {
		groups := conditionalPattern.FindStringSubmatch(match)
		key, inner := groups[1], groups[2]

		value, ok := lookup(data, key)
		if !ok || value == "" || strings.EqualFold(value, "false") {
			return ""
		}
		return inner
	})
}

func (e *TemplateEngine) substitute(template string, data map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(token string) string {
		key := placeholderPattern.FindStringSubmatch(token)[1]
		value, ok := lookup(data, key)
		if !ok {
			return token
		}
		return value
	})
}

// lookup prefers an exact key match and falls back to a case-insensitive one.
// When several keys match only by case, the lexicographically smallest wins so
// repeated renders of the same input stay byte-equal.
func lookup(data map[string]string, key string) (string, bool) {
	if value, ok := data[key]; ok {
		return value, true
	}
	best := ""
	found := false
	for k := range data {
		if strings.EqualFold(k, key) && (!found || k < best) {
			best = k
			found = true
		}
	}
	if found {
		return data[best], true
	}
	return "", false
}

// validate rejects rendered output with unresolved tokens and, for HTML
// bodies, mismatched open/close tag counts.
func (e *TemplateEngine) validate(rendered string, isHTML bool) error {
	if tokens := leftoverPattern.FindAllString(rendered, -1); len(tokens) > 0 {
		return fmt.Errorf("unresolved placeholders remain: %s", strings.Join(dedupe(tokens), ", "))
	}

	if isHTML {
		if err := checkTagBalance(rendered); err != nil {
			return err
		}
	}

	return nil
}

func checkTagBalance(html string) error {
	counts := make(map[string]int)
	for _, match := range htmlTagPattern.FindAllStringSubmatch(html, -1) {
		closing, tag, selfClosing := match[1] == "/", strings.ToLower(match[2]), match[3] == "/"
		if voidTags[tag] || selfClosing {
			continue
		}
		if closing {
			counts[tag]--
		} else {
			counts[tag]++
		}
	}

	var unbalanced []string
	for tag, count := range counts {
		if count != 0 {
			unbalanced = append(unbalanced, tag)
		}
	}
	if len(unbalanced) > 0 {
		return fmt.Errorf("unbalanced HTML tags: %s", strings.Join(dedupe(unbalanced), ", "))
	}
	return nil
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
