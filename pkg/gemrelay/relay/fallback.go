package relay

// FallbackTarget names the model a chain hands over to and why.
type FallbackTarget struct {
	Model  string
	Reason string
}

// FallbackChain maps each model to its quota-exhaustion successor. A request
// switches at most once: after the first hop the chain is no longer
// consulted, so a two-link chain never walks both links in one dispatch.
type FallbackChain struct {
	next map[string]FallbackTarget
}

// NewFallbackChain builds a chain from explicit from→to links. Later links
// for the same source model override earlier ones.
func NewFallbackChain(links map[string]FallbackTarget) *FallbackChain {
	c := &FallbackChain{next: make(map[string]FallbackTarget, len(links))}
	for from, to := range links {
		if from == "" || to.Model == "" || from == to.Model {
			continue
		}
		c.next[from] = to
	}
	return c
}

// DefaultFallbackChain steps down the Gemini 2.5 tiers: pro falls back to
// flash, flash to flash-lite. flash-lite has no successor.
func DefaultFallbackChain() *FallbackChain {
	return NewFallbackChain(map[string]FallbackTarget{
		"gemini-2.5-pro":   {Model: "gemini-2.5-flash", Reason: "quota exhausted on gemini-2.5-pro"},
		"gemini-2.5-flash": {Model: "gemini-2.5-flash-lite", Reason: "quota exhausted on gemini-2.5-flash"},
	})
}

// Next returns the fallback target for model, if one is configured.
func (c *FallbackChain) Next(model string) (FallbackTarget, bool) {
	if c == nil {
		return FallbackTarget{}, false
	}
	t, ok := c.next[model]
	return t, ok
}

// Len reports the number of configured links.
func (c *FallbackChain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.next)
}
