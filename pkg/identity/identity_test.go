package identity_test

import (
	"testing"

	"github.com/qeo-project/realm-security/pkg/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatParseRoundTrip(t *testing.T) {
	cases := []identity.Triple{
		{RealmID: 1, DeviceID: 2, UserID: 3},
		{RealmID: 0, DeviceID: 0, UserID: 0},
		{RealmID: 0xdeadbeef, DeviceID: 0xcafef00d, UserID: 0xabad1dea},
		{RealmID: ^uint64(0), DeviceID: ^uint64(0), UserID: ^uint64(0)},
	}

	for _, tc := range cases {
		name := identity.Format(tc)
		got, err := identity.Parse(name)
		require.NoError(t, err)
		assert.Equal(t, tc, got)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, bad := range []string{
		"",
		"<rid:1><did:2>",
		"rid:1 did:2 uid:3",
		"<rid:zz><did:2><uid:3>",
		"<did:2><rid:1><uid:3>",
	} {
		_, err := identity.Parse(bad)
		assert.Error(t, err, bad)
	}
}

func TestFormatMatchesKnownVector(t *testing.T) {
	tr := identity.Triple{RealmID: 0x10, DeviceID: 0x20, UserID: 0x30}
	assert.Equal(t, "<rid:10><did:20><uid:30>", identity.Format(tr))
}
