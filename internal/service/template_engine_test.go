package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailroom/mailroom/internal/domain"
)

func TestParseTemplateData(t *testing.T) {
	t.Run("flat object", func(t *testing.T) {
		data, err := ParseTemplateData(`{"UserName":"Ada","OrderTotal":"99.50","items_count":"2"}`)
		require.NoError(t, err)
		assert.Equal(t, "Ada", data["UserName"])
		assert.Equal(t, "99.50", data["OrderTotal"])
		assert.Equal(t, "2", data["items_count"])
	})

	t.Run("numeric values become strings", func(t *testing.T) {
		data, err := ParseTemplateData(`{"count":3,"flag":true}`)
		require.NoError(t, err)
		assert.Equal(t, "3", data["count"])
		assert.Equal(t, "true", data["flag"])
	})

	t.Run("empty input", func(t *testing.T) {
		data, err := ParseTemplateData("")
		require.NoError(t, err)
		assert.Empty(t, data)
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := ParseTemplateData(`{broken`)
		assert.Error(t, err)
	})

	t.Run("non-object json", func(t *testing.T) {
		_, err := ParseTemplateData(`[1,2,3]`)
		assert.Error(t, err)
	})
}

func TestRenderStringPlaceholders(t *testing.T) {
	engine := NewTemplateEngine()

	t.Run("exact match", func(t *testing.T) {
		out := engine.RenderString("Hello {{UserName}}!", map[string]string{"UserName": "Ada"})
		assert.Equal(t, "Hello Ada!", out)
	})

	t.Run("case insensitive fallback", func(t *testing.T) {
		out := engine.RenderString("Hello {{username}}!", map[string]string{"UserName": "Ada"})
		assert.Equal(t, "Hello Ada!", out)
	})

	t.Run("exact match wins over case-insensitive", func(t *testing.T) {
		out := engine.RenderString("{{name}}", map[string]string{"name": "lower", "Name": "upper"})
		assert.Equal(t, "lower", out)
	})

	t.Run("case-only tie resolves to smallest key on every render", func(t *testing.T) {
		data := map[string]string{"NAME": "shouty", "Name": "capital"}
		first := engine.RenderString("{{name}}", data)
		assert.Equal(t, "shouty", first)
		for i := 0; i < 50; i++ {
			assert.Equal(t, first, engine.RenderString("{{name}}", data))
		}
	})

	t.Run("missing key left intact", func(t *testing.T) {
		out := engine.RenderString("Hello {{Missing}}!", map[string]string{})
		assert.Equal(t, "Hello {{Missing}}!", out)
	})
}

func TestRenderStringConditionals(t *testing.T) {
	engine := NewTemplateEngine()
	template := "Start{{#if CompanyName}} at {{CompanyName}}{{/if}} end"

	t.Run("truthy key emits block", func(t *testing.T) {
		out := engine.RenderString(template, map[string]string{"CompanyName": "Acme"})
		assert.Equal(t, "Start at Acme end", out)
	})

	t.Run("missing key drops block", func(t *testing.T) {
		out := engine.RenderString(template, map[string]string{})
		assert.Equal(t, "Start end", out)
	})

	t.Run("empty value drops block", func(t *testing.T) {
		out := engine.RenderString(template, map[string]string{"CompanyName": ""})
		assert.Equal(t, "Start end", out)
	})

	t.Run("false value drops block", func(t *testing.T) {
		out := engine.RenderString(template, map[string]string{"CompanyName": "False"})
		assert.Equal(t, "Start end", out)
	})
}

func TestRenderStringLoops(t *testing.T) {
	engine := NewTemplateEngine()

	t.Run("expands indexed items", func(t *testing.T) {
		template := "Order:{{#each items}} {{name}} x{{qty}};{{/each}}"
		data := map[string]string{
			"items_count":  "2",
			"items_0_name": "Widget",
			"items_0_qty":  "3",
			"items_1_name": "Gadget",
			"items_1_qty":  "1",
		}
		out := engine.RenderString(template, data)
		assert.Equal(t, "Order: Widget x3; Gadget x1;", out)
	})

	t.Run("zero count renders nothing", func(t *testing.T) {
		template := "A{{#each items}}X{{/each}}B"
		out := engine.RenderString(template, map[string]string{"items_count": "0"})
		assert.Equal(t, "AB", out)
	})

	t.Run("missing count leaves block intact", func(t *testing.T) {
		template := "{{#each items}}X{{/each}}"
		out := engine.RenderString(template, map[string]string{})
		assert.Equal(t, template, out)
	})

	t.Run("placeholders outside loop still resolve", func(t *testing.T) {
		template := "{{Greeting}} {{#each items}}{{name}} {{/each}}Total: {{Total}}"
		data := map[string]string{
			"Greeting":     "Hi",
			"Total":        "42",
			"items_count":  "1",
			"items_0_name": "Widget",
		}
		out := engine.RenderString(template, data)
		assert.Equal(t, "Hi Widget Total: 42", out)
	})
}

func TestRenderValidation(t *testing.T) {
	engine := NewTemplateEngine()

	t.Run("full render", func(t *testing.T) {
		template := &domain.Template{
			Name:            "order-confirmation",
			SubjectTemplate: "Order {{OrderID}} confirmed",
			BodyTemplate:    "<html><body><p>Thanks {{UserName}}</p><ul>{{#each items}}<li>{{name}}</li>{{/each}}</ul></body></html>",
		}
		data := map[string]string{
			"OrderID":      "1001",
			"UserName":     "Ada",
			"items_count":  "1",
			"items_0_name": "Widget",
		}

		subject, body, err := engine.Render(template, data, true)
		require.NoError(t, err)
		assert.Equal(t, "Order 1001 confirmed", subject)
		assert.Contains(t, body, "<li>Widget</li>")
	})

	t.Run("unresolved token fails", func(t *testing.T) {
		template := &domain.Template{
			Name:            "broken",
			SubjectTemplate: "Hello {{Missing}}",
			BodyTemplate:    "ok",
		}
		_, _, err := engine.Render(template, map[string]string{}, false)
		require.Error(t, err)
		assert.True(t, domain.IsValidation(err))
		assert.Contains(t, err.Error(), "{{Missing}}")
	})

	t.Run("unbalanced html fails", func(t *testing.T) {
		template := &domain.Template{
			Name:            "unbalanced",
			SubjectTemplate: "s",
			BodyTemplate:    "<html><body><div>open</body></html>",
		}
		_, _, err := engine.Render(template, map[string]string{}, true)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "div")
	})

	t.Run("void and self-closing tags pass", func(t *testing.T) {
		template := &domain.Template{
			Name:            "voids",
			SubjectTemplate: "s",
			BodyTemplate:    `<html><body><p>hi<br><img src="x"><hr/></p></body></html>`,
		}
		_, _, err := engine.Render(template, map[string]string{}, true)
		assert.NoError(t, err)
	})

	t.Run("plain text skips tag balance", func(t *testing.T) {
		template := &domain.Template{
			Name:            "plain",
			SubjectTemplate: "s",
			BodyTemplate:    "price < 10 and count > 2",
		}
		_, _, err := engine.Render(template, map[string]string{}, false)
		assert.NoError(t, err)
	})
}

func TestRenderDeterministic(t *testing.T) {
	engine := NewTemplateEngine()
	template := &domain.Template{
		Name:            "digest",
		SubjectTemplate: "{{A}} {{B}}",
		BodyTemplate:    "{{#if A}}{{A}}{{/if}}{{#each xs}}{{v}}{{/each}}",
	}
	data := map[string]string{"A": "1", "B": "2", "xs_count": "2", "xs_0_v": "x", "xs_1_v": "y"}

	s1, b1, err := engine.Render(template, data, false)
	require.NoError(t, err)
	s2, b2, err := engine.Render(template, data, false)
	require.NoError(t, err)

	assert.Equal(t, s1, s2)
	assert.Equal(t, b1, b2)
}
