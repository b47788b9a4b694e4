package usage

import "math"

// Cost computes the money cost of one request from its token counts and the
// router's per-million-token prices, rounded to 6 decimal places.
func Cost(promptTokens, completionTokens int, costPromptPerM, costCompletionPerM float64) float64 {
	raw := (float64(promptTokens)/1e6)*costPromptPerM + (float64(completionTokens)/1e6)*costCompletionPerM
	return math.Round(raw*1e6) / 1e6
}
