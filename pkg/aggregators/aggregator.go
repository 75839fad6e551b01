package aggregators

type AggregatorConfig struct {
	// MinLen is the shortest chunk emitted on a sentence boundary.
	MinLen int
	// MaxLen forces a cut at the last word boundary.
	MaxLen     int
	MaxHistory int
}

type Aggregator interface {
	AddToken(tok string) []string
	Flush() string
}
