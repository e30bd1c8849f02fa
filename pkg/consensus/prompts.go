package consensus

import "strings"

// Built-in prompt templates. Variables use {name} slots filled by Render.
const (
	profileSynthesisPrompt = `Based on the following condensed conversation summaries and psychological insights, generate a comprehensive psychological profile.

## Condensed Conversation History
{condensed_history}

## Additional Semantic Insights
{insights}

## Session Count
{session_count} sessions analyzed

## Instructions
Create a structured profile including:
1. **Core Patterns**: Recurring themes, behaviors, and thought patterns (note frequency and intensity from summaries)
2. **Emotional Landscape**: Predominant emotional states and triggers
3. **Stoic Assessment**: How well the person embodies Stoic principles
4. **Growth Areas**: Areas for development and recommended focus
5. **Strengths**: Identified resilience factors and positive patterns
6. **Temporal Trends**: How patterns have evolved over time

Write as Marcus Aurelius would assess a student of Stoicism.`

	condensationPrompt = `Condense the following conversation from {period_start} to {period_end} ({message_count} messages, {word_count} words) into a focused summary.

## Previous Context
{previous_context}

## Conversation
{messages}

## Instructions
Write a dense narrative summary preserving:
- Recurring emotional themes and how they evolved
- Concrete events and decisions the person described
- Stoic principles discussed and how they were received
- Open threads worth returning to

Write in third person, past tense. Do not invent details.`
)

// DefaultPrompts returns the named templates the runtime ships with.
func DefaultPrompts() map[string]string {
	return map[string]string{
		"profile_synthesis": profileSynthesisPrompt,
		"condensation":      condensationPrompt,
	}
}

// Render substitutes {name} slots with variable values. Unknown slots are
// left intact so a malformed binding is visible in the rendered prompt.
func Render(template string, variables map[string]string) string {
	out := template
	for name, value := range variables {
		out = strings.ReplaceAll(out, "{"+name+"}", value)
	}
	return out
}
