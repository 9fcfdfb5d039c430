// internal/service/template_service.go
package service

import (
	"strings"

	"github.com/unclebandit/campaign-orchestrator/internal/model"
	"github.com/unclebandit/campaign-orchestrator/internal/publisher"
)

// RenderTemplate replaces every {key} in template. Empty values render as
// N/A so a message never shows a bare gap.
func RenderTemplate(template string, data map[string]string) string {
	result := template
	for k, v := range data {
		if v == "" {
			v = "N/A"
		}
		result = strings.ReplaceAll(result, "{"+k+"}", v)
	}
	return result
}

// PersonalizeAudience renders body once per contact with a phone number.
func PersonalizeAudience(body string, contacts []model.Contact) []publisher.Recipient {
	out := make([]publisher.Recipient, 0, len(contacts))
	for _, c := range contacts {
		if strings.TrimSpace(c.Phone) == "" {
			continue
		}
		out = append(out, publisher.Recipient{To: c.Phone, Text: RenderTemplate(body, c.Placeholders())})
	}
	return out
}
