package bf_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twezimbe/bf-ledger/bf"
)

func TestRoles_DecodeSingleAndMulti(t *testing.T) {
	var single bf.Roles
	require.NoError(t, json.Unmarshal([]byte(`"Admin"`), &single))
	assert.Equal(t, bf.RolesSingle, single.Kind)
	assert.True(t, single.Has(bf.RoleAdmin))

	var multi bf.Roles
	require.NoError(t, json.Unmarshal([]byte(`["hr","manager","hr"]`), &multi))
	assert.Equal(t, bf.RolesMulti, multi.Kind)
	assert.Equal(t, []bf.Role{bf.RoleHR, bf.RoleManager}, multi.Values)
}

func TestRoles_MissingDefaultsToPrincipal(t *testing.T) {
	for _, raw := range []string{`null`, `""`, `[]`} {
		var r bf.Roles
		require.NoError(t, json.Unmarshal([]byte(raw), &r), raw)
		assert.Equal(t, bf.DefaultRoles(), r, raw)
	}

	// Field absent from the enclosing object.
	var body struct {
		Roles bf.Roles `json:"roles"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{}`), &body))
	assert.True(t, body.Roles.IsZero())
}

func TestRoles_RejectsUnknown(t *testing.T) {
	var r bf.Roles
	assert.ErrorIs(t, json.Unmarshal([]byte(`"treasurer"`), &r), bf.ErrInvalidRole)
	assert.ErrorIs(t, json.Unmarshal([]byte(`["admin","treasurer"]`), &r), bf.ErrInvalidRole)
	assert.Error(t, json.Unmarshal([]byte(`42`), &r))
}

func TestRoles_EncodeKeepsShape(t *testing.T) {
	b, err := json.Marshal(bf.SingleRole(bf.RoleCounselor))
	require.NoError(t, err)
	assert.JSONEq(t, `"counselor"`, string(b))

	b, err = json.Marshal(bf.MultiRoles(bf.RoleAdmin))
	require.NoError(t, err)
	assert.JSONEq(t, `["admin"]`, string(b))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, bf.ContributionIncomplete, bf.StatusFor(amt("100"), amt("0")))
	assert.Equal(t, bf.ContributionIncomplete, bf.StatusFor(amt("99.99"), amt("100")))
	assert.Equal(t, bf.ContributionComplete, bf.StatusFor(amt("100"), amt("100")))
}
