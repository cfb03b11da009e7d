package relay

import "strings"

// Prices are micro-USD per 1M tokens, kept integral so accounting rows
// never accumulate floating error.
type modelPrice struct {
	promptMicroPerM     int64
	completionMicroPerM int64
}

var modelPrices = map[string]modelPrice{
	"grok-3":      {promptMicroPerM: 3_000_000, completionMicroPerM: 15_000_000},
	"grok-3-mini": {promptMicroPerM: 300_000, completionMicroPerM: 500_000},
	"grok-2":      {promptMicroPerM: 2_000_000, completionMicroPerM: 10_000_000},
}

var defaultPrice = modelPrice{promptMicroPerM: 3_000_000, completionMicroPerM: 15_000_000}

// costMicroUSD computes prompt and completion costs in integer micro-USD.
func costMicroUSD(model string, promptTokens, completionTokens int) (prompt, completion int64) {
	price := defaultPrice
	lower := strings.ToLower(model)
	bestLen := 0
	for name, p := range modelPrices {
		if strings.HasPrefix(lower, name) && len(name) > bestLen {
			price, bestLen = p, len(name)
		}
	}
	prompt = int64(promptTokens) * price.promptMicroPerM / 1_000_000
	completion = int64(completionTokens) * price.completionMicroPerM / 1_000_000
	return prompt, completion
}
