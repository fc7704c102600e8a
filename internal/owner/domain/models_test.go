package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOwner(t *testing.T) {
	o, err := New(" User ", " user_1 ")
	require.NoError(t, err)
	assert.Equal(t, KindUser, o.Kind)
	assert.Equal(t, "user_1", o.ID)
	assert.Equal(t, "user:user_1", o.Key())

	_, err = New("team", "t1")
	assert.ErrorIs(t, err, ErrInvalidOwnerKind)

	_, err = New("organization", "  ")
	assert.ErrorIs(t, err, ErrInvalidOwnerID)

	_, err = New("user", strings.Repeat("a", MaxIDLength+1))
	assert.ErrorIs(t, err, ErrInvalidOwnerID)
}

func TestRecordOwner(t *testing.T) {
	r := Record{OwnerKind: KindOrganization, OwnerID: "org_1"}
	assert.Equal(t, Organization("org_1"), r.Owner())
}
