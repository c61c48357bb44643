package rewrite

import "github.com/kalambet/scopedrag/internal/engine"

const systemPrompt = `You rewrite search queries for a semantic document index. Reply with ONLY the rewritten query on a single line, with no quotes, labels or explanation.

Rules:
- Keep every named entity, number and date from the original query.
- Expand abbreviations and fix obvious typos.
- Turn conversational questions into concise keyword-rich statements.
- Do not add facts that are not implied by the query.
- If the query is already a good search query, return it unchanged.`

// BuildPrompt constructs the chat messages for rewriting query. The raw
// query is always the final user message.
func BuildPrompt(query string) []engine.Message {
	return []engine.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: query},
	}
}
