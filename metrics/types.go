package metrics

import "time"

// Generation describes one finished generation.
type Generation struct {
	FinishReason    string
	PromptTokens    int
	GeneratedTokens int
	PromptDuration  time.Duration
	Duration        time.Duration
}

// Stats is a point-in-time copy of the collector's counters.
type Stats struct {
	// Generations counts completed generations, including partial ones.
	Generations int64

	// Failures counts generations that returned an error.
	Failures int64

	// Rejections counts calls refused by the circuit breaker.
	Rejections int64

	// EmbeddingTexts counts texts embedded.
	EmbeddingTexts int64

	PromptTokens    int64
	GeneratedTokens int64
	TotalDuration   time.Duration

	// LastTokensPerSecond is the throughput of the latest generation.
	LastTokensPerSecond float64

	// AverageTokensPerSecond is generated tokens over total duration.
	AverageTokensPerSecond float64

	// ByFinishReason counts generations per finish reason.
	ByFinishReason map[string]int64

	CacheEntries   int
	BreakerState   string
	LastGeneration time.Time
}

// TokensPerSecond returns tokens / d, or 0 for a zero duration.
func TokensPerSecond(tokens int, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(tokens) / d.Seconds()
}
