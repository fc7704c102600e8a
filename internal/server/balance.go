package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	entitlementdomain "github.com/smallbiznis/tokenledger/internal/entitlement/domain"
)

type estimateResponse struct {
	Estimate     int64 `json:"estimate"`
	UsableTokens int64 `json:"usable_tokens"`
	Affordable   bool  `json:"affordable"`
}

func (s *Server) GetBalance(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	balance, err := s.entitlement.GetBalance(c.Request.Context(), owner)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, balance)
}

func (s *Server) ListTransactions(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	pageSize, err := parseOptionalInt(c.Query("page_size"))
	if err != nil || pageSize < 0 {
		AbortWithError(c, newValidationError("page_size", "invalid_page_size", "invalid page size"))
		return
	}

	resp, err := s.entitlement.ListTransactions(c.Request.Context(), entitlementdomain.ListTransactionsRequest{
		Owner:     owner,
		PageSize:  pageSize,
		PageToken: strings.TrimSpace(c.Query("page_token")),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Estimate previews the token cost of a request of the given input size. It
// never writes.
func (s *Server) Estimate(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	chars, err := parseOptionalInt(c.Query("chars"))
	if err != nil || chars < 0 {
		AbortWithError(c, newValidationError("chars", "invalid_chars", "invalid character count"))
		return
	}
	maxOutput, err := parseOptionalInt64(c.Query("max_output_tokens"))
	if err != nil || maxOutput < 0 {
		AbortWithError(c, newValidationError("max_output_tokens", "invalid_max_output_tokens", "invalid max output tokens"))
		return
	}
	rate := decimal.NewFromInt(1)
	if raw := strings.TrimSpace(c.Query("rate")); raw != "" {
		rate, err = decimal.NewFromString(raw)
		if err != nil || rate.Sign() <= 0 {
			AbortWithError(c, newValidationError("rate", "invalid_rate", "invalid rate"))
			return
		}
	}

	balance, err := s.entitlement.GetBalance(c.Request.Context(), owner)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	estimate := s.pricer.Estimate(chars, maxOutput, rate)
	c.JSON(http.StatusOK, estimateResponse{
		Estimate:     estimate,
		UsableTokens: balance.UsableTokens,
		Affordable:   balance.UsableTokens >= estimate,
	})
}
