package model

// RenderedConfig is the final configuration text produced by one backend
// converter. Immutable; the CLI writes Text verbatim to the output path.
type RenderedConfig struct {
	Backend string
	Text    string
}
