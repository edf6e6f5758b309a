package provider

import "context"

// FundamentalsProvider is implemented by adapters that serve company data.
type FundamentalsProvider interface {
	GetFundamentals(ctx context.Context, symbol string) (*Fundamentals, error)
}

// BulkQuoter is implemented by adapters with a native multi-symbol endpoint.
// Missing symbols are absent from the result.
type BulkQuoter interface {
	GetQuotes(ctx context.Context, symbols []string) (map[string]*Quote, error)
}
