package automation

import (
	"context"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/kira-kanban/dispatch-core/internal/store"
)

// DefaultPromptTemplate is used when a column's prompt_template is empty.
const DefaultPromptTemplate = "You are a {agent_type} agent. Card: {card_title}\n\n{card_description}\n\nPrevious output:\n{last_agent_output}\n\nPerform your role; if reviewing, state APPROVED or REJECTED."

// renderPrompt substitutes {variable} tokens in template with values derived
// from card/column/board. Unknown variables are left literal since this is a
// plain string replace, not a strict templating engine.
func (e *Engine) renderPrompt(ctx context.Context, template string, card *store.Card, column *store.Column, boardName string) (string, error) {
	if template == "" {
		template = DefaultPromptTemplate
	}

	comments, err := e.store.AllComments(ctx, card.ID)
	if err != nil {
		return "", err
	}
	var commentBuf strings.Builder
	for _, c := range comments {
		commentBuf.WriteString(c.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"))
		commentBuf.WriteString(": ")
		commentBuf.WriteString(c.Content)
		commentBuf.WriteString("\n")
	}

	lastOutput, err := e.store.LastAgentOutput(ctx, card.ID)
	if err != nil {
		return "", err
	}

	// Card content can arrive from anywhere (manual entry, Jira import,
	// pasted agent output) in any Unicode normalization form; normalize to
	// NFC before it lands in the prompt so equivalent text always renders
	// identically and matches consistently against IsRejection downstream.
	variables := map[string]string{
		"card_title":        norm.NFC.String(card.Title),
		"card_description":  norm.NFC.String(card.Description),
		"card_labels":       strings.Join(card.Labels, ", "),
		"card_priority":     priorityOrDefault(card.Priority),
		"card_comments":     norm.NFC.String(commentBuf.String()),
		"last_agent_output": norm.NFC.String(lastOutput),
		"column_name":       column.Name,
		"agent_type":        column.AgentType,
		"board_name":        boardName,
	}

	result := template
	for key, value := range variables {
		result = strings.ReplaceAll(result, "{"+key+"}", value)
	}
	return result, nil
}

func priorityOrDefault(p string) string {
	if p == "" {
		return "medium"
	}
	return p
}
