package registration_test

import (
	"context"
	"testing"
	"time"

	"github.com/qeo-project/realm-security/pkg/cryptoutil"
	"github.com/qeo-project/realm-security/pkg/pubsub"
	"github.com/qeo-project/realm-security/pkg/registration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type acceptingPlatform struct{ accept bool }

func (p acceptingPlatform) ConfirmRealm(ctx context.Context, realmURL string) (bool, error) {
	return p.accept, nil
}

func TestRegistrationHappyPath(t *testing.T) {
	key, err := cryptoutil.GenerateRegistrationKey()
	require.NoError(t, err)

	bus := pubsub.NewFakeBus()
	reg, err := registration.New(registration.Config{
		DeviceID:     1,
		Manufacturer: "acme",
		Model:        "widget",
		Key:          key,
		Bus:          bus,
		Platform:     acceptingPlatform{accept: true},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Sponsor: wait for the request, then reply with credentials using the
	// echoed public key and an OAEP-encrypted OTC.
	reqReader, err := bus.Reader("org.qeo.system.RegistrationRequest")
	require.NoError(t, err)
	credPub, err := bus.Publisher("org.qeo.system.RegistrationCredentials")
	require.NoError(t, err)

	require.NoError(t, reqReader.Subscribe(ctx, func(sample any) {
		req, ok := sample.(registration.Request)
		if !ok {
			return
		}
		ct, err := cryptoutil.SealOTC(&key.PublicKey, []byte("123456"))
		if err != nil {
			t.Errorf("seal otc: %v", err)
			return
		}
		credPub.Publish(ctx, registration.Credentials{
			DeviceID:               req.DeviceID,
			RequestRSAPublicKeyPEM: req.RequestRSAPublicKeyPEM,
			RealmURL:               "https://realm.example.org",
			EncryptedOTC:           ct,
		})
	}))

	result, err := reg.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://realm.example.org", result.RealmURL)
	assert.Equal(t, append([]byte("123456"), 0), result.OTC)
	assert.Equal(t, registration.StateConfirmed, reg.State())
}

func TestRegistrationNegativeConfirmationLoopsBack(t *testing.T) {
	key, err := cryptoutil.GenerateRegistrationKey()
	require.NoError(t, err)

	bus := pubsub.NewFakeBus()
	reg, err := registration.New(registration.Config{
		DeviceID: 1,
		Key:      key,
		Bus:      bus,
		Platform: acceptingPlatform{accept: false},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	reqReader, err := bus.Reader("org.qeo.system.RegistrationRequest")
	require.NoError(t, err)
	credPub, err := bus.Publisher("org.qeo.system.RegistrationCredentials")
	require.NoError(t, err)
	require.NoError(t, reqReader.Subscribe(ctx, func(sample any) {
		req, ok := sample.(registration.Request)
		if !ok {
			return
		}
		ct, _ := cryptoutil.SealOTC(&key.PublicKey, []byte("000000"))
		credPub.Publish(ctx, registration.Credentials{
			DeviceID:               req.DeviceID,
			RequestRSAPublicKeyPEM: req.RequestRSAPublicKeyPEM,
			RealmURL:               "https://realm.example.org",
			EncryptedOTC:           ct,
		})
	}))

	_, err = reg.Run(ctx)
	assert.Error(t, err) // context deadline: platform keeps rejecting
}
