package biz

import (
	"bytes"
	"text/template"

	"TicketForge/internal/model"
)

var draftTmpl = template.Must(template.New("draft").Parse(`You are a senior {{.Language}} engineer{{if ne .Domain "general"}} specialised in {{.Domain}}{{end}}.
Implement the following ticket. Reply with exactly one fenced code block containing the complete solution.

Ticket {{.Issue.Key}}: {{.Issue.Summary}}

{{.Issue.Description}}
`))

var reviseTmpl = template.Must(template.New("revise").Parse(`Review round {{.Round}} for ticket {{.Issue.Key}} ({{.Issue.Summary}}).
Review the {{.Language}} code below for correctness, error handling and readability.
List the problems you find, then reply with the improved code as the LAST fenced code block.

` + "```" + `{{.Language}}
{{.Code}}
` + "```" + `
`))

type templatePromptBuilder struct{}

// NewPromptBuilder returns the default template based PromptBuilder.
func NewPromptBuilder() PromptBuilder {
	return templatePromptBuilder{}
}

func (templatePromptBuilder) Draft(issue *model.Issue, language, domain string) (string, error) {
	var buf bytes.Buffer
	err := draftTmpl.Execute(&buf, map[string]interface{}{
		"Issue": issue, "Language": language, "Domain": domain,
	})
	return buf.String(), err
}

func (templatePromptBuilder) Revise(issue *model.Issue, language, code string, round int) (string, error) {
	var buf bytes.Buffer
	err := reviseTmpl.Execute(&buf, map[string]interface{}{
		"Issue": issue, "Language": language, "Code": code, "Round": round,
	})
	return buf.String(), err
}
