package analysis

import (
	"strings"

	"github.com/snarg/sitevoice/internal/llm"
)

const promptHead = `You are a construction project assistant. Analyze the job-site transcript and produce:
1. The tasks that need to be done, each assigned to one trade.
2. The materials needed, with quantities.
3. A project offer with a summary, a progress plan and a total price estimate.

Respond with a single JSON object and nothing else, using exactly this structure:
{
  "tasks": [{ "title": string, "description": string, "assignee": string }],
  "materials": [{ "title": string, "description": string, "amount": number }],
  "offer": { "title": string, "summary": string, "progress_plan": string, "total_price": number }
}

"amount" and "total_price" are plain numbers greater than zero, not strings.
"tasks" and "materials" must always be present; use [] when there are none.
"assignee" must be one of: `

// SystemPrompt fixes the output schema and the trade enumeration.
var SystemPrompt = buildPrompt()

func buildPrompt() string {
	names := make([]string, len(Trades))
	for i, t := range Trades {
		names[i] = string(t)
	}
	return promptHead + strings.Join(names, ", ") + "."
}

// Messages builds the chat request for one transcript.
func Messages(transcript string) []llm.Message {
	return []llm.Message{
		{Role: "system", Content: SystemPrompt},
		{Role: "user", Content: transcript},
	}
}
