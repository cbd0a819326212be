// Package render substitutes {{ path.to.value }} references in template
// subject and body strings. There is no control flow; a reference that does
// not resolve renders as an empty string.
package render

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"commagent/internal/domain"
)

var varRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Render replaces every {{ path }} in tpl with its value in ctx.
func Render(tpl string, ctx map[string]any) string {
	if !strings.Contains(tpl, "{{") {
		return tpl
	}
	return varRe.ReplaceAllStringFunc(tpl, func(m string) string {
		path := varRe.FindStringSubmatch(m)[1]
		v, ok := Lookup(ctx, path)
		if !ok {
			return ""
		}
		return format(v)
	})
}

// RenderTemplate renders a template's subject and body.
func RenderTemplate(t *domain.Template, ctx map[string]any) (subject, body string) {
	if t == nil {
		return "", ""
	}
	return Render(t.Subject, ctx), Render(t.Content, ctx)
}

// Lookup resolves a dotted path through nested maps.
func Lookup(ctx map[string]any, path string) (any, bool) {
	var cur any = ctx
	for _, part := range strings.Split(path, ".") {
		switch m := cur.(type) {
		case map[string]any:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

func format(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case time.Time:
		return x.Format("2006-01-02")
	case fmt.Stringer:
		return x.String()
	case []string:
		return strings.Join(x, ", ")
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%g", x)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Map || rv.Kind() == reflect.Struct {
		return ""
	}
	return fmt.Sprint(v)
}
