// SPDX-License-Identifier: AGPL-3.0-only
package agent

import (
	"fmt"
	"strings"
)

// Transcript annotations. Failure notes keep the backend's "Erro:" marker so
// they read the same as soft failures reported by tools.
const (
	noteAnalyzing     = "[Analyzing stock: %s]"
	noteCodeSaved     = "[Analysis code saved successfully]"
	notePlotShown     = "[Chart generated and displayed]"
	notePlotAuto      = "[Chart generated and displayed automatically]"
	noteNothingSaved  = "Erro: no code has been saved to execute"
	notePlotFailed    = "[Erro: failed to generate chart: %v]"
	noteRoundLimit    = "[Erro: tool call limit of %d reached; skipping %s]"
	noteBadArguments  = "Erro: invalid arguments for %s: %v"
	bracketedTemplate = "[%s]"
)

// transcript accumulates the human-readable answer in production order.
type transcript struct {
	parts []string
}

func (t *transcript) add(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	t.parts = append(t.parts, text)
}

func (t *transcript) notef(format string, args ...interface{}) {
	t.parts = append(t.parts, fmt.Sprintf(format, args...))
}

// bracket adds a tool message verbatim as an annotation.
func (t *transcript) bracket(msg string) {
	t.notef(bracketedTemplate, firstLine(msg))
}

func (t *transcript) String() string {
	return strings.Join(t.parts, "\n")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
