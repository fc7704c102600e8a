// Package identity verifies and parses identity-provider account events
// signed with the svix scheme.
package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/tokenledger/internal/clock"
	ownerdomain "github.com/smallbiznis/tokenledger/internal/owner/domain"
	"github.com/smallbiznis/tokenledger/internal/webhook/domain"
)

const (
	headerID        = "svix-id"
	headerTimestamp = "svix-timestamp"
	headerSignature = "svix-signature"

	secretPrefix = "whsec_"
)

type Adapter struct {
	key       []byte
	tolerance time.Duration
	clock     clock.Clock
}

// New decodes a "whsec_<base64>" secret. A secret without the prefix is used
// as raw key bytes.
func New(secret string, tolerance time.Duration, clk clock.Clock) (*Adapter, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, domain.ErrInvalidConfig
	}

	key := []byte(secret)
	if strings.HasPrefix(secret, secretPrefix) {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, secretPrefix))
		if err != nil {
			return nil, domain.ErrInvalidConfig
		}
		key = decoded
	}

	return &Adapter{key: key, tolerance: tolerance, clock: clk}, nil
}

func (a *Adapter) Source() string {
	return domain.SourceIdentity
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	id := strings.TrimSpace(headers.Get(headerID))
	ts := strings.TrimSpace(headers.Get(headerTimestamp))
	sigHeader := strings.TrimSpace(headers.Get(headerSignature))
	if id == "" || ts == "" || sigHeader == "" {
		return domain.ErrMissingSignatureHeaders
	}

	seconds, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return domain.ErrInvalidSignature
	}
	if a.tolerance > 0 {
		skew := a.clock.Now().Sub(time.Unix(seconds, 0))
		if skew > a.tolerance || skew < -a.tolerance {
			return domain.ErrInvalidSignature
		}
	}

	expected := Sign(a.key, id, ts, payload)
	for _, part := range strings.Fields(sigHeader) {
		version, signature, ok := strings.Cut(part, ",")
		if !ok || version != "v1" {
			continue
		}
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return domain.ErrInvalidSignature
}

// Sign returns the base64 v1 signature over "id.timestamp.body".
func Sign(key []byte, id, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(id + "." + timestamp + "."))
	_, _ = mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type identityEvent struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type account struct {
	ID                    string         `json:"id"`
	PrimaryEmail          string         `json:"primary_email"`
	PrimaryEmailCamel     string         `json:"primaryEmail"`
	PrimaryEmailAddressID string         `json:"primary_email_address_id"`
	EmailAddresses        []emailAddress `json:"email_addresses"`
	UpdatedAt             int64          `json:"updated_at"`
	CreatedAt             int64          `json:"created_at"`
}

type emailAddress struct {
	ID           string `json:"id"`
	EmailAddress string `json:"email_address"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte, headers http.Header) (*domain.Event, error) {
	var event identityEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}

	eventType := strings.TrimSpace(event.Type)
	kind, action, ok := mapEventType(eventType)
	if !ok {
		return nil, domain.ErrEventIgnored
	}

	var data account
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	owner, err := ownerdomain.New(string(kind), data.ID)
	if err != nil {
		return nil, domain.ErrInvalidEvent
	}

	return &domain.Event{
		Source:     domain.SourceIdentity,
		EventID:    strings.TrimSpace(headers.Get(headerID)),
		Type:       eventType,
		Action:     action,
		Owner:      owner,
		Email:      data.primaryEmail(),
		OccurredAt: occurredAt(event.Timestamp, data.UpdatedAt, a.clock),
	}, nil
}

func mapEventType(eventType string) (ownerdomain.Kind, domain.Action, bool) {
	switch eventType {
	case "user.created", "account.created":
		return ownerdomain.KindUser, domain.ActionOwnerCreated, true
	case "user.updated", "account.updated":
		return ownerdomain.KindUser, domain.ActionOwnerUpdated, true
	case "user.deleted", "account.deleted":
		return ownerdomain.KindUser, domain.ActionOwnerDeleted, true
	case "organization.created":
		return ownerdomain.KindOrganization, domain.ActionOwnerCreated, true
	case "organization.updated":
		return ownerdomain.KindOrganization, domain.ActionOwnerUpdated, true
	case "organization.deleted":
		return ownerdomain.KindOrganization, domain.ActionOwnerDeleted, true
	default:
		return "", "", false
	}
}

func (a account) primaryEmail() string {
	if v := strings.TrimSpace(a.PrimaryEmail); v != "" {
		return v
	}
	if v := strings.TrimSpace(a.PrimaryEmailCamel); v != "" {
		return v
	}
	for _, addr := range a.EmailAddresses {
		if addr.ID == a.PrimaryEmailAddressID {
			return strings.TrimSpace(addr.EmailAddress)
		}
	}
	if len(a.EmailAddresses) > 0 {
		return strings.TrimSpace(a.EmailAddresses[0].EmailAddress)
	}
	return ""
}

// occurredAt accepts millisecond timestamps as sent by the provider.
func occurredAt(primary, fallback int64, clk clock.Clock) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return clk.Now()
	}
	return time.UnixMilli(value).UTC()
}
