package llmport

import "sync"

// ModelPrice holds per-model token pricing in USD per 1M tokens. Adapted
// from the gateway's provider pricing table, narrowed to the single
// generation model this service is configured against.
type ModelPrice struct {
	InputPer1M  float64
	OutputPer1M float64
}

// PriceTable resolves a model name to its per-token cost and computes the
// USD cost of a completed generation.
type PriceTable struct {
	mu      sync.RWMutex
	byModel map[string]ModelPrice
	fallback ModelPrice
}

// DefaultPriceTable seeds the table with the handful of models this
// service is likely to run against; Set can override or add entries from
// config at startup.
func DefaultPriceTable() *PriceTable {
	return &PriceTable{
		byModel: map[string]ModelPrice{
			"claude-3-5-sonnet-20241022": {InputPer1M: 3.00, OutputPer1M: 15.00},
			"claude-3-5-haiku-20241022":  {InputPer1M: 0.80, OutputPer1M: 4.00},
			"claude-3-haiku-20240307":    {InputPer1M: 0.25, OutputPer1M: 1.25},
		},
		fallback: ModelPrice{InputPer1M: 3.00, OutputPer1M: 15.00},
	}
}

// Set installs or overrides pricing for a model.
func (p *PriceTable) Set(model string, price ModelPrice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byModel[model] = price
}

// Cost returns the USD cost of a request given input/output token counts.
func (p *PriceTable) Cost(model string, inputTokens, outputTokens int) float64 {
	p.mu.RLock()
	price, ok := p.byModel[model]
	if !ok {
		price = p.fallback
	}
	p.mu.RUnlock()
	return float64(inputTokens)/1_000_000*price.InputPer1M + float64(outputTokens)/1_000_000*price.OutputPer1M
}
