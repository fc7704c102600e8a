// Package pricing converts provider costs and input sizes into token
// amounts. Every conversion rounds up so a call is never undercharged.
package pricing

import (
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tokenledger/internal/config"
)

const defaultCharsPerToken = 4

// CostToTokens returns ceil(cost * tokensPerUnit). Negative costs are 0.
func CostToTokens(cost decimal.Decimal, tokensPerUnit int64) int64 {
	if cost.Sign() <= 0 || tokensPerUnit <= 0 {
		return 0
	}
	return cost.Mul(decimal.NewFromInt(tokensPerUnit)).Ceil().IntPart()
}

// EstimateFromInput is the worst-case token count for a request of chars
// input characters that may produce up to maxOutputTokens.
func EstimateFromInput(chars int, maxOutputTokens int64, charsPerToken int) int64 {
	if charsPerToken <= 0 {
		charsPerToken = defaultCharsPerToken
	}
	var input int64
	if chars > 0 {
		input = (int64(chars) + int64(charsPerToken) - 1) / int64(charsPerToken)
	}
	if maxOutputTokens < 0 {
		maxOutputTokens = 0
	}
	return input + maxOutputTokens
}

type Pricer struct {
	charsPerToken   int
	tokensPerCredit int64
}

func New(cfg config.Config) *Pricer {
	return &Pricer{
		charsPerToken:   cfg.Tokens.CharsPerToken,
		tokensPerCredit: cfg.Tokens.TokensPerCredit,
	}
}

// Estimate scales the input-size estimate by a feature rate.
func (p *Pricer) Estimate(chars int, maxOutputTokens int64, rate decimal.Decimal) int64 {
	base := EstimateFromInput(chars, maxOutputTokens, p.charsPerToken)
	return CostToTokens(decimal.NewFromInt(base).Mul(rate), 1)
}

// Tokens converts a provider cost in credits to tokens.
func (p *Pricer) Tokens(cost decimal.Decimal) int64 {
	return CostToTokens(cost, p.tokensPerCredit)
}
