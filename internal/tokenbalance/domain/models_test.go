package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUsableTokens(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name    string
		balance TokenBalance
		want    int64
	}{
		{"nonexpiring only", TokenBalance{NonexpiringTokens: 2000}, 2000},
		{"active expiring", TokenBalance{NonexpiringTokens: 10, ExpiringTokens: 500, ExpiringTokensExpiry: &future}, 510},
		{"expired expiring", TokenBalance{NonexpiringTokens: 10, ExpiringTokens: 500, ExpiringTokensExpiry: &past}, 10},
		{"expiry equals now", TokenBalance{ExpiringTokens: 500, ExpiringTokensExpiry: &now}, 0},
		{"missing expiry", TokenBalance{ExpiringTokens: 500}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.balance.UsableTokens(now))
		})
	}
}

func TestNormalize(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Second)

	expired := TokenBalance{ExpiringTokens: 40, ExpiringTokensExpiry: &past, NonexpiringTokens: 3}
	assert.True(t, expired.Normalize(now))
	assert.Zero(t, expired.ExpiringTokens)
	assert.Nil(t, expired.ExpiringTokensExpiry)
	assert.Equal(t, int64(3), expired.NonexpiringTokens)

	active := TokenBalance{ExpiringTokens: 40, ExpiringTokensExpiry: &future}
	assert.False(t, active.Normalize(now))
	assert.Equal(t, int64(40), active.ExpiringTokens)

	empty := TokenBalance{}
	assert.False(t, empty.Normalize(now))
}
