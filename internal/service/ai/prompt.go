package ai

import (
	"fmt"
	"strings"
)

var replyRules = []string{
	"The site owner is away right now; say so plainly and promise a follow-up in this chat.",
	"Answer in the visitor's language, in at most three short sentences.",
	"Never invent availability, prices, dates or contact details.",
	"Do not claim to be the site owner.",
}

func buildSystemPrompt(replyName, visitorName string) string {
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("You are %s, the automatic assistant on a personal portfolio website's chat.", replyName))
	if visitorName != "" {
		builder.WriteString(fmt.Sprintf(" The visitor introduced themselves as %q.", visitorName))
	}
	builder.WriteString("\n\nRules:\n")
	for _, rule := range replyRules {
		builder.WriteString("- ")
		builder.WriteString(rule)
		builder.WriteString("\n")
	}
	return builder.String()
}
