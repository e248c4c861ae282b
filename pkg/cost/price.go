package cost

// Price holds per-million-token pricing for a model, in USD.
type Price struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// Family distinguishes the cache-pricing formula, which differs between the
// Anthropic and OpenAI-compatible families.
type Family int

const (
	FamilyOpenAI Family = iota
	FamilyAnthropic
)

// Compute applies the per-family pricing rules:
//   - Anthropic: cache writes at 1.25x input price, cache reads at 0.1x
//     output price.
//   - OpenAI: cache reads at 0.5x output price (OpenAI has no separate
//     cache-write charge; a cache write is billed as ordinary input).
func Compute(p Price, family Family, inputTokens, outputTokens, cacheReadTokens, cacheCreationTokens int) float64 {
	perTokIn := p.InputPerMTok / 1_000_000
	perTokOut := p.OutputPerMTok / 1_000_000

	cost := float64(inputTokens) * perTokIn
	cost += float64(outputTokens) * perTokOut

	switch family {
	case FamilyAnthropic:
		cost += float64(cacheCreationTokens) * perTokIn * 1.25
		cost += float64(cacheReadTokens) * perTokOut * 0.1
	case FamilyOpenAI:
		cost += float64(cacheCreationTokens) * perTokIn
		cost += float64(cacheReadTokens) * perTokOut * 0.5
	}
	return cost
}
