package llm

import (
	"fmt"
	"os"
	"strings"

	"claimbot/internal/domain"

	"go.uber.org/zap"
)

const maxPromptGuidanceChars = 12000

const baseSystemPrompt = `You review consumer complaints about payroll-deducted loans (crédito consignado).
Each complaint lists the prohibited practice codes it alleges and the consumer's justification.
Decide whether the justification is semantically consistent with the alleged practices.

Respond with JSON only (no markdown):
{"verdict": "yes" | "no", "confidence": <number between 0 and 1>, "rationale": "<one or two sentences>"}`

// buildClaimPrompts returns the system and user prompts for one claim.
// The subject identifier is deliberately left out of the request.
func buildClaimPrompts(claim domain.ClaimRecord, guidance string) (string, string) {
	system := baseSystemPrompt
	if guidance != "" {
		system += "\n\nAdditional guidance:\n" + guidance
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Complaint ID: %s\n", claim.ID)
	fmt.Fprintf(&b, "Prohibited practice codes: %s\n", strings.Join(claim.Practices, ", "))
	fmt.Fprintf(&b, "Justification: %s\n", claim.Justification)
	return system, b.String()
}

func loadPromptGuidance(path string, logger *zap.Logger) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		// Optional file: no hard failure if missing.
		logger.Warn("llm prompt guidance skipped", zap.String("path", path), zap.Error(err))
		return ""
	}
	text := strings.TrimSpace(string(data))
	if len(text) > maxPromptGuidanceChars {
		text = text[:maxPromptGuidanceChars] + "\n...(truncated)"
	}
	return text
}
