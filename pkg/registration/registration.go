// Package registration implements the remote-registration handshake: a peer
// sponsor device delivers a one-time code and realm URL to an unregistered
// device over the pub/sub bus, in place of the device's owner typing an OTP
// by hand.
package registration

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/qeo-project/realm-security/pkg/cryptoutil"
	"github.com/qeo-project/realm-security/pkg/pubsub"
)

// State is one of the remote-registration object's lifecycle states.
type State int

const (
	StateCreated State = iota
	StateRegistering
	StateConfirmed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateRegistering:
		return "Registering"
	case StateConfirmed:
		return "Confirmed"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// FailureReason records why a remote-registration attempt moved to Failed.
type FailureReason int

const (
	FailureNone FailureReason = iota
	FailureTimeout
	FailureNegativeConfirmation
	FailureCredentialsRejected
)

// RequestStatus mirrors the registrationStatus field of the published
// registration request instance.
type RequestStatus int

const (
	StatusUnregistered RequestStatus = iota
	StatusRegistering
	StatusFailed
)

// Request is the published registration request instance. Key: DeviceID.
// AttemptID correlates every Request published over the lifetime of a
// single Run call, since one attempt may republish several times as
// sponsors come and go.
type Request struct {
	AttemptID              string
	DeviceID               uint64
	Manufacturer           string
	Model                  string
	FriendlyName           string
	SuggestedUserName      string
	RequestRSAPublicKeyPEM []byte
	Status                 RequestStatus
	FailureReason          FailureReason
}

// Credentials is the registration credentials instance received from a
// sponsor. Key: DeviceID.
type Credentials struct {
	DeviceID               uint64
	RequestRSAPublicKeyPEM []byte // echoed back, must match ours
	RealmURL               string
	EncryptedOTC           []byte // RSA-OAEP ciphertext, big-endian, len == modulus size
}

// Platform asks the local user to accept or reject a sponsor's offer.
type Platform interface {
	// ConfirmRealm blocks until the user answers whether to accept realm
	// realmURL; true accepts.
	ConfirmRealm(ctx context.Context, realmURL string) (bool, error)
}

const (
	requestTopic     = "org.qeo.system.RegistrationRequest"
	credentialsTopic = "org.qeo.system.RegistrationCredentials"
)

// Result is what a completed remote registration hands back to the security
// core: the decrypted one-time code (NUL-terminated) and the realm URL.
type Result struct {
	OTC      []byte
	RealmURL string
}

// Registration drives one remote-registration attempt for one device.
type Registration struct {
	mu    sync.Mutex
	state State
	reason FailureReason

	deviceID     uint64
	manufacturer string
	model        string
	friendlyName string
	suggestedUser string

	attemptID string
	key       *rsa.PrivateKey
	keyPEM    []byte

	bus      pubsub.Bus
	platform Platform
	logger   *slog.Logger

	credInUse bool // reg_cred_in_use latch: at most one unconfirmed credential at a time
}

// Config bundles the fields needed to construct a Registration.
type Config struct {
	DeviceID          uint64
	Manufacturer      string
	Model             string
	FriendlyName      string
	SuggestedUserName string
	Key               *rsa.PrivateKey
	Bus               pubsub.Bus
	Platform          Platform
	Logger            *slog.Logger
}

// New constructs a Registration in the Created state.
func New(cfg Config) (*Registration, error) {
	keyPEM, err := publicKeyPEM(&cfg.Key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("registration: encode public key: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registration{
		state:         StateCreated,
		attemptID:     uuid.New().String(),
		deviceID:      cfg.DeviceID,
		manufacturer:  cfg.Manufacturer,
		model:         cfg.Model,
		friendlyName:  cfg.FriendlyName,
		suggestedUser: cfg.SuggestedUserName,
		key:           cfg.Key,
		keyPEM:        keyPEM,
		bus:           cfg.Bus,
		platform:      cfg.Platform,
		logger:        logger,
	}, nil
}

func publicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// State returns the current lifecycle state.
func (r *Registration) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Run publishes the initial request and loops, processing credentials and
// confirmations, until ctx is canceled, a Result is produced, or the attempt
// fails. It implements the full C5 state machine described for the security
// core's remote-registration path.
func (r *Registration) Run(ctx context.Context) (*Result, error) {
	pub, err := r.bus.Publisher(requestTopic)
	if err != nil {
		return nil, fmt.Errorf("registration: get publisher: %w", err)
	}

	credCh := make(chan Credentials, 1)
	reader, err := r.bus.Reader(credentialsTopic)
	if err != nil {
		return nil, fmt.Errorf("registration: get reader: %w", err)
	}
	if err := reader.Subscribe(ctx, func(sample any) {
		cred, ok := sample.(Credentials)
		if !ok {
			return
		}
		if cred.DeviceID != r.deviceID {
			return
		}
		if string(cred.RequestRSAPublicKeyPEM) != string(r.keyPEM) {
			r.logger.WarnContext(ctx, "dropping credentials with stale echoed public key")
			return
		}
		r.mu.Lock()
		inUse := r.credInUse
		if !inUse {
			r.credInUse = true
		}
		r.mu.Unlock()
		if inUse {
			r.logger.WarnContext(ctx, "dropping credentials, one already pending confirmation")
			return
		}
		select {
		case credCh <- cred:
		default:
		}
	}); err != nil {
		return nil, fmt.Errorf("registration: subscribe: %w", err)
	}

	for {
		if err := r.publishRequest(ctx, pub, StatusUnregistered, FailureNone); err != nil {
			return nil, err
		}
		r.setState(StateRegistering, FailureNone)

		var cred Credentials
		select {
		case cred = <-credCh:
		case <-ctx.Done():
			r.setState(StateFailed, FailureTimeout)
			if err := r.publishRequest(ctx, pub, StatusFailed, FailureTimeout); err != nil {
				r.logger.ErrorContext(ctx, "publish failure status", "error", err)
			}
			return nil, ctx.Err()
		}

		accept, err := r.platform.ConfirmRealm(ctx, cred.RealmURL)
		if err != nil {
			return nil, fmt.Errorf("registration: confirm realm: %w", err)
		}

		r.mu.Lock()
		r.credInUse = false
		r.mu.Unlock()

		if !accept {
			r.setState(StateCreated, FailureNegativeConfirmation)
			continue
		}

		otc, err := cryptoutil.OpenOTC(r.key, cred.EncryptedOTC)
		if err != nil {
			r.setState(StateFailed, FailureCredentialsRejected)
			if err := r.publishRequest(ctx, pub, StatusFailed, FailureCredentialsRejected); err != nil {
				r.logger.ErrorContext(ctx, "publish failure status", "error", err)
			}
			return nil, fmt.Errorf("registration: decrypt OTC: %w", err)
		}

		r.setState(StateConfirmed, FailureNone)
		return &Result{OTC: otc, RealmURL: cred.RealmURL}, nil
	}
}

func (r *Registration) publishRequest(ctx context.Context, pub pubsub.Publisher, status RequestStatus, reason FailureReason) error {
	req := Request{
		AttemptID:              r.attemptID,
		DeviceID:               r.deviceID,
		Manufacturer:           r.manufacturer,
		Model:                  r.model,
		FriendlyName:           r.friendlyName,
		SuggestedUserName:      r.suggestedUser,
		RequestRSAPublicKeyPEM: r.keyPEM,
		Status:                 status,
		FailureReason:          reason,
	}
	if err := pub.Publish(ctx, req); err != nil {
		return fmt.Errorf("registration: publish request: %w", err)
	}
	return nil
}

func (r *Registration) setState(s State, reason FailureReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
	r.reason = reason
}
