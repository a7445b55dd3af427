package render

import (
	"testing"

	"ezoutreach/internal/model"

	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	vars := Vars{"first_name": "Ada", "Company": "Analytical Engines"}

	cases := []struct {
		name string
		tmpl string
		want string
	}{
		{"exact", "Hi {{first_name}}", "Hi Ada"},
		{"spaces", "Hi {{ first_name }}!", "Hi Ada!"},
		{"case-insensitive", "About {{company}}", "About Analytical Engines"},
		{"missing", "Hello {{title}} {{first_name}}", "Hello  Ada"},
		{"no placeholders", "plain text", "plain text"},
		{"repeated", "{{first_name}}/{{FIRST_NAME}}", "Ada/Ada"},
		{"unterminated", "Hi {{first_name", "Hi {{first_name"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Render(tc.tmpl, vars))
		})
	}
}

func TestVars_LookupCaseCollision(t *testing.T) {
	vars := Vars{"company": "lower", "Company": "title", "COMPANY": "upper"}

	assert.Equal(t, "lower", vars.Lookup("company"))
	assert.Equal(t, "upper", vars.Lookup("COMPANY"))
	for i := 0; i < 50; i++ {
		assert.Equal(t, "upper", vars.Lookup("cOmPaNy"))
	}
}

func TestRecipientVars(t *testing.T) {
	r := model.Recipient{
		Email: "ada@example.com",
		Name:  "Ada King Lovelace",
		Metadata: map[string]any{
			"company": "Engines",
			"seats":   12,
			"email":   "ignored@example.com",
			"empty":   nil,
		},
	}
	vars := RecipientVars(r)

	assert.Equal(t, "Ada King Lovelace", vars["name"])
	assert.Equal(t, "Ada", vars["first_name"])
	assert.Equal(t, "King Lovelace", vars["last_name"])
	assert.Equal(t, "ada@example.com", vars["email"])
	assert.Equal(t, "12", vars["seats"])
	assert.NotContains(t, vars, "empty")
}

func TestRecipientVars_MetadataNamesWhenNoName(t *testing.T) {
	vars := RecipientVars(model.Recipient{
		Email:    "x@example.com",
		Metadata: map[string]any{"first_name": "Grace"},
	})
	assert.Equal(t, "Grace", vars["first_name"])
	assert.Equal(t, "", vars["name"])
}

func TestMessage(t *testing.T) {
	subject, body := Message(
		model.Step{Subject: "Quick question, {{first_name}}", Body: "Hi {{Name}}, about {{company}}."},
		model.Recipient{Name: "Alan Turing", Metadata: map[string]any{"company": "NPL"}},
	)
	assert.Equal(t, "Quick question, Alan", subject)
	assert.Equal(t, "Hi Alan Turing, about NPL.", body)
}
