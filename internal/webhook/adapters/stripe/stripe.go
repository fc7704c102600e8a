package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/tokenledger/internal/clock"
	ownerdomain "github.com/smallbiznis/tokenledger/internal/owner/domain"
	subscriptiondomain "github.com/smallbiznis/tokenledger/internal/subscription/domain"
	"github.com/smallbiznis/tokenledger/internal/webhook/domain"
)

const signatureHeader = "Stripe-Signature"

// PriceTierResolver maps price ids to tier names for objects that carry no
// tier metadata.
type PriceTierResolver interface {
	TierForPrice(priceID string) (string, bool)
}

// PriceTiers is a fixed PriceTierResolver.
type PriceTiers map[string]string

func (p PriceTiers) TierForPrice(priceID string) (string, bool) {
	tier, ok := p[priceID]
	return tier, ok
}

type Adapter struct {
	webhookSecret string
	priceTiers    PriceTierResolver
	tolerance     time.Duration
	clock         clock.Clock
}

func New(secret string, priceTiers PriceTierResolver, tolerance time.Duration, clk clock.Clock) (*Adapter, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, domain.ErrInvalidConfig
	}
	if priceTiers == nil {
		priceTiers = PriceTiers{}
	}
	return &Adapter{
		webhookSecret: secret,
		priceTiers:    priceTiers,
		tolerance:     tolerance,
		clock:         clk,
	}, nil
}

func (a *Adapter) Source() string {
	return domain.SourceStripe
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get(signatureHeader))
	if sigHeader == "" {
		return domain.ErrMissingSignatureHeaders
	}

	timestamp, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return domain.ErrInvalidSignature
	}

	if a.tolerance > 0 {
		seconds, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return domain.ErrInvalidSignature
		}
		skew := a.clock.Now().Sub(time.Unix(seconds, 0))
		if skew > a.tolerance || skew < -a.tolerance {
			return domain.ErrInvalidSignature
		}
	}

	expected := Sign(a.webhookSecret, timestamp, payload)
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return domain.ErrInvalidSignature
}

// Sign returns the hex v1 signature over "timestamp.body".
func Sign(secret, timestamp string, payload []byte) string {
	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signedPayload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *Adapter) Parse(ctx context.Context, payload []byte, headers http.Header) (*domain.Event, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "checkout.session.completed":
		return a.parseCheckoutSession(event)
	case "customer.subscription.created":
		return a.parseSubscription(event, domain.ActionSubscriptionCreated)
	case "customer.subscription.updated":
		return a.parseSubscription(event, domain.ActionSubscriptionUpdated)
	case "customer.subscription.deleted":
		return a.parseSubscription(event, domain.ActionSubscriptionDeleted)
	case "invoice.paid":
		return a.parseInvoice(event)
	default:
		return nil, domain.ErrEventIgnored
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCheckoutSession struct {
	ID                string         `json:"id"`
	Mode              string         `json:"mode"`
	PaymentStatus     string         `json:"payment_status"`
	ClientReferenceID string         `json:"client_reference_id"`
	Created           int64          `json:"created"`
	Metadata          map[string]any `json:"metadata"`
}

type stripeSubscription struct {
	ID               string         `json:"id"`
	Status           string         `json:"status"`
	CurrentPeriodEnd int64          `json:"current_period_end"`
	Created          int64          `json:"created"`
	Metadata         map[string]any `json:"metadata"`
	Items            stripeList     `json:"items"`
}

type stripeInvoice struct {
	ID                  string                     `json:"id"`
	BillingReason       string                     `json:"billing_reason"`
	Subscription        string                     `json:"subscription"`
	Created             int64                      `json:"created"`
	Lines               stripeList                 `json:"lines"`
	SubscriptionDetails *stripeSubscriptionDetails `json:"subscription_details"`
}

type stripeSubscriptionDetails struct {
	Metadata map[string]any `json:"metadata"`
}

type stripeList struct {
	Data []stripeLineItem `json:"data"`
}

type stripeLineItem struct {
	Price  *stripePrice  `json:"price"`
	Period *stripePeriod `json:"period"`
}

type stripePrice struct {
	ID string `json:"id"`
}

type stripePeriod struct {
	End int64 `json:"end"`
}

func (a *Adapter) parseCheckoutSession(event stripeEvent) (*domain.Event, error) {
	var session stripeCheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(session.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}
	// Subscription checkouts are granted from the subscription events.
	if session.Mode != "payment" {
		return nil, domain.ErrEventIgnored
	}
	if session.PaymentStatus != "" && session.PaymentStatus != "paid" {
		return nil, domain.ErrEventIgnored
	}

	owner, err := parseOwner(session.Metadata, session.ClientReferenceID)
	if err != nil {
		return nil, err
	}
	tokens, err := strconv.ParseInt(readMetadataValue(session.Metadata, "tokens"), 10, 64)
	if err != nil || tokens <= 0 {
		return nil, domain.ErrInvalidEvent
	}

	return &domain.Event{
		Source:     domain.SourceStripe,
		EventID:    event.ID,
		Type:       event.Type,
		Action:     domain.ActionCreditPurchase,
		Owner:      owner,
		OccurredAt: timestamp(session.Created, event.Created, a.clock),
		PurchaseID: session.ID,
		Tokens:     tokens,
	}, nil
}

func (a *Adapter) parseSubscription(event stripeEvent, action domain.Action) (*domain.Event, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(sub.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}
	if action == domain.ActionSubscriptionCreated && sub.Status != "active" && sub.Status != "trialing" {
		return nil, domain.ErrEventIgnored
	}

	owner, err := parseOwner(sub.Metadata, "")
	if err != nil && !errors.Is(err, domain.ErrOwnerUnresolved) {
		return nil, err
	}

	out := &domain.Event{
		Source:                 domain.SourceStripe,
		EventID:                event.ID,
		Type:                   event.Type,
		Action:                 action,
		Owner:                  owner,
		OccurredAt:             timestamp(sub.Created, event.Created, a.clock),
		ExternalSubscriptionID: sub.ID,
		Tier:                   a.resolveTier(sub.Metadata, sub.Items),
		Status:                 sub.Status,
	}
	if sub.CurrentPeriodEnd > 0 {
		out.PeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	}
	return out, nil
}

func (a *Adapter) parseInvoice(event stripeEvent) (*domain.Event, error) {
	var invoice stripeInvoice
	if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	// The first invoice is covered by customer.subscription.created.
	if invoice.BillingReason != "subscription_cycle" {
		return nil, domain.ErrEventIgnored
	}
	if strings.TrimSpace(invoice.Subscription) == "" {
		return nil, domain.ErrInvalidEvent
	}

	var metadata map[string]any
	if invoice.SubscriptionDetails != nil {
		metadata = invoice.SubscriptionDetails.Metadata
	}
	owner, err := parseOwner(metadata, "")
	if err != nil && !errors.Is(err, domain.ErrOwnerUnresolved) {
		return nil, err
	}

	var periodEnd time.Time
	for _, line := range invoice.Lines.Data {
		if line.Period != nil && line.Period.End > 0 {
			end := time.Unix(line.Period.End, 0).UTC()
			if end.After(periodEnd) {
				periodEnd = end
			}
		}
	}
	if periodEnd.IsZero() {
		return nil, domain.ErrInvalidEvent
	}

	return &domain.Event{
		Source:                 domain.SourceStripe,
		EventID:                event.ID,
		Type:                   event.Type,
		Action:                 domain.ActionSubscriptionRenewed,
		Owner:                  owner,
		OccurredAt:             timestamp(invoice.Created, event.Created, a.clock),
		ExternalSubscriptionID: invoice.Subscription,
		Tier:                   a.resolveTier(metadata, invoice.Lines),
		PeriodEnd:              periodEnd,
	}, nil
}

// resolveTier prefers metadata and falls back to the price map. An
// unresolved tier is left empty for the caller to fill from the stored
// subscription.
func (a *Adapter) resolveTier(metadata map[string]any, items stripeList) subscriptiondomain.Tier {
	if raw := readMetadataValue(metadata, "tier"); raw != "" {
		if tier, err := subscriptiondomain.ParseTier(raw); err == nil {
			return tier
		}
	}
	for _, item := range items.Data {
		if item.Price == nil {
			continue
		}
		if raw, ok := a.priceTiers.TierForPrice(item.Price.ID); ok {
			if tier, err := subscriptiondomain.ParseTier(raw); err == nil {
				return tier
			}
		}
	}
	return ""
}

func parseOwner(metadata map[string]any, fallbackUserID string) (ownerdomain.Owner, error) {
	id := readMetadataValue(metadata, "owner_id")
	kind := readMetadataValue(metadata, "owner_kind")
	if id == "" {
		id = strings.TrimSpace(fallbackUserID)
	}
	if id == "" {
		return ownerdomain.Owner{}, domain.ErrOwnerUnresolved
	}
	if kind == "" {
		kind = string(ownerdomain.KindUser)
	}
	owner, err := ownerdomain.New(kind, id)
	if err != nil {
		return ownerdomain.Owner{}, domain.ErrInvalidEvent
	}
	return owner, nil
}

func parseStripeSignature(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		key, value, ok := strings.Cut(piece, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, domain.ErrInvalidSignature
	}
	return timestamp, signatures, nil
}

func timestamp(primary int64, fallback int64, clk clock.Clock) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return clk.Now()
	}
	return time.Unix(value, 0).UTC()
}

func readMetadataValue(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		if cast == 0 {
			return ""
		}
		return strconv.FormatInt(int64(cast), 10)
	case json.Number:
		return cast.String()
	case int64:
		return strconv.FormatInt(cast, 10)
	case int:
		return strconv.Itoa(cast)
	}
	return ""
}
