package chat

import "strings"

// ProjectPlanPrompt asks the model to emit project plans as a JSON block the
// web client renders as workstream accordions.
const ProjectPlanPrompt = "When the user requests a project plan, include a structured JSON block in your response using this EXACT format:\n\n" +
	"```json\n" +
	"{\n" +
	"  \"workstreams\": [\n" +
	"    {\n" +
	"      \"title\": \"Workstream Title\",\n" +
	"      \"description\": \"Brief description of this workstream\",\n" +
	"      \"deliverables\": [\n" +
	"        { \"title\": \"Deliverable Title\", \"description\": \"Detailed description\" }\n" +
	"      ]\n" +
	"    }\n" +
	"  ]\n" +
	"}\n" +
	"```\n\n" +
	"You may include explanatory text before and after the JSON block. The JSON block will be rendered as an interactive accordion in the UI with expandable workstreams and deliverables."

// BasePrompt is the default system prompt.
const BasePrompt = "You are a helpful AI assistant. You provide clear, concise, and accurate responses.\n\n" + ProjectPlanPrompt

// SystemPrompt returns the configured prompt or BasePrompt when none is set.
func SystemPrompt(configured string) string {
	if p := strings.TrimSpace(configured); p != "" {
		return p
	}
	return BasePrompt
}
