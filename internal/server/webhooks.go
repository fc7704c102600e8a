package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	entitlementdomain "github.com/smallbiznis/tokenledger/internal/entitlement/domain"
	obslogger "github.com/smallbiznis/tokenledger/internal/observability/logger"
	webhookdomain "github.com/smallbiznis/tokenledger/internal/webhook/domain"
	"go.uber.org/zap"
)

const maxWebhookBodyBytes = 1 << 20

// handleWebhook hands the raw body to the webhook service. Applied,
// duplicate and ignored deliveries all answer 200 so the sender stops
// retrying; failures answer 5xx so it retries.
func (s *Server) handleWebhook(source string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(obslogger.WebhookSourceKey, source)

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes)
		payload, err := io.ReadAll(c.Request.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				AbortWithError(c, ErrPayloadTooLarge)
				return
			}
			AbortWithError(c, ErrInvalidRequest)
			return
		}

		outcome, err := s.webhooks.Ingest(c.Request.Context(), source, payload, c.Request.Header)
		if outcome != "" {
			c.Set(obslogger.WebhookOutcomeKey, string(outcome))
		}
		switch outcome {
		case webhookdomain.OutcomeApplied, webhookdomain.OutcomeDuplicate, webhookdomain.OutcomeIgnored:
			c.JSON(http.StatusOK, gin.H{"status": string(outcome)})
		case webhookdomain.OutcomeRejected:
			AbortWithError(c, err)
		default:
			if errors.Is(err, entitlementdomain.ErrInvariantViolation) {
				AbortWithError(c, err)
				return
			}
			s.log.Warn("webhook delivery failed",
				zap.String("source", source),
				zap.Error(err),
			)
			AbortWithError(c, ErrServiceUnavailable)
		}
	}
}
