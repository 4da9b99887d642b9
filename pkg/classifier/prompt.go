// SPDX-License-Identifier: Apache-2.0
package classifier

import (
	"fmt"
	"strings"

	"github.com/jllopis/kairos-runner/pkg/store"
)

const systemPrompt = `You route user requests to saved workflows. Answer with a single JSON object and nothing else.`

// buildPrompt lists only names and descriptions; step payloads stay out of
// the prompt.
func buildPrompt(catalog []store.SkillSummary, prompt string) string {
	var b strings.Builder
	b.WriteString("Available workflows:\n")
	for _, s := range catalog {
		desc := strings.TrimSpace(s.Description)
		if desc == "" {
			desc = "(no description)"
		}
		fmt.Fprintf(&b, "- %s: %s\n", s.Name, desc)
	}
	b.WriteString("\nUser request:\n")
	b.WriteString(strings.TrimSpace(prompt))
	b.WriteString(`

Pick at most one workflow whose purpose clearly covers the request. Use the workflow name exactly as listed.
Respond with JSON of the form:
{"match": true|false, "workflowName": "<name or empty>", "confidence": "high|medium|low|none", "reasoning": "<one sentence>"}
If nothing fits, respond with {"match": false, "workflowName": "", "confidence": "none", "reasoning": "..."}.`)
	return b.String()
}
