package research

import (
	"fmt"
	"strings"

	"github.com/astroinsight/astroinsight/internal/papers"
)

const draftSystemPrompt = `You are an astrophysics research assistant. Propose one concrete, novel research idea for the given topic. Your output must be ONLY a single valid JSON object of the form:
{"idea": "...", "rationale": "..."}

Rules:
- The idea must be specific enough to become a paper abstract, not a vague direction.
- The rationale must explain what gap in the literature the idea addresses.
- Do not include any other text, prose, or markdown.`

const reviewSystemPrompt = `You are a rigorous peer reviewer of astrophysics research proposals. Evaluate the submitted idea for novelty, feasibility and clarity. Your output must be ONLY a single valid JSON object of the form:
{"verdict": "accept" | "revise", "feedback": "...", "score": 0-10}

Rules:
- "accept" means the idea is ready for a human researcher to pursue.
- "revise" means it has a fixable weakness; the feedback must name it concretely.
- The score grades overall quality on a 0-10 scale regardless of verdict.
- Do not include any other text, prose, or markdown.`

const keywordsSystemPrompt = `You extract search keywords from scientific text. Your output must be ONLY a single valid JSON object of the form:
{"keywords": ["...", "..."]}

Rules:
- Prefer domain terms a literature search engine would index.
- Order keywords by relevance, most relevant first.
- Do not include any other text, prose, or markdown.`

const compressSystemPrompt = `You compress scientific text into a faithful summary. Preserve the key claims, methods and quantitative results. Output plain prose, no markdown, no preamble.`

// buildDraftPrompt assembles the user prompt for an idea draft. Literature
// context and reviewer feedback are appended when present.
func buildDraftPrompt(topic string, found []papers.Paper, feedback string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Topic: %s", topic)

	if len(found) > 0 {
		sb.WriteString("\n\nRecent literature to ground the idea in:")
		for _, p := range found {
			fmt.Fprintf(&sb, "\n- [%s] %s: %s", p.ID, p.Title, p.Summary)
		}
	}
	if feedback != "" {
		fmt.Fprintf(&sb, "\n\nA reviewer rejected the previous draft with this feedback. Address it:\n%s", feedback)
	}
	return sb.String()
}

func buildReviewPrompt(topic, idea string) string {
	var sb strings.Builder
	if topic != "" {
		fmt.Fprintf(&sb, "Topic: %s\n\n", topic)
	}
	fmt.Fprintf(&sb, "Proposed idea:\n%s", idea)
	return sb.String()
}

// extractJSON pulls the first JSON object out of a completion. Models
// sometimes wrap output in code fences or lead with prose despite
// instructions.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}
