// Package security implements the top-level authentication state machine:
// the single worker that takes a device from unauthenticated to either
// Authenticated or AuthenticationFailure, orchestrating the credential
// store, the remote-registration handshake, and the management client.
package security

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/qeo-project/realm-security/pkg/credstore"
	"github.com/qeo-project/realm-security/pkg/cryptoutil"
	"github.com/qeo-project/realm-security/pkg/identity"
	"github.com/qeo-project/realm-security/pkg/mgmtclient"
	"github.com/qeo-project/realm-security/pkg/pubsub"
	"github.com/qeo-project/realm-security/pkg/registration"
	"golang.org/x/sys/unix"
)

// State is one of the ten states of the authentication state machine.
type State int

const (
	StateUnauthenticated State = iota
	StateTryingToLoadStored
	StateRetrievingRegCredsGeneratingKey
	StateRetrievingRegCredsKeyGenerated
	StateWaitingForSignedCertificate
	StateVerifyingLoaded
	StateVerifyingReceived
	StateStoringCredentials
	StateAuthenticationFailure
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateTryingToLoadStored:
		return "TryingToLoadStored"
	case StateRetrievingRegCredsGeneratingKey:
		return "RetrievingRegCredsGeneratingKey"
	case StateRetrievingRegCredsKeyGenerated:
		return "RetrievingRegCredsKeyGenerated"
	case StateWaitingForSignedCertificate:
		return "WaitingForSignedCertificate"
	case StateVerifyingLoaded:
		return "VerifyingLoaded"
	case StateVerifyingReceived:
		return "VerifyingReceived"
	case StateStoringCredentials:
		return "StoringCredentials"
	case StateAuthenticationFailure:
		return "AuthenticationFailure"
	case StateAuthenticated:
		return "Authenticated"
	default:
		return "Unauthenticated"
	}
}

// Terminal reports whether s is one of the two terminal states.
func (s State) Terminal() bool {
	return s == StateAuthenticationFailure || s == StateAuthenticated
}

// StopReason is the orthogonal axis of why the worker stopped early.
type StopReason int

const (
	StopNone StopReason = iota
	StopUserCancel
	StopRemoteRegTimeout
)

// Method is the registration method the platform selects for an
// unregistered device.
type Method int

const (
	MethodUnset Method = iota
	MethodOTP
	MethodRemoteRegistration
)

// Platform is the host collaborator the security core asks for
// registration decisions. It embeds registration.Platform so the same
// implementation can confirm a sponsor's realm offer during remote
// registration.
type Platform interface {
	registration.Platform

	// ChooseRegistrationMethod blocks until the user (or an automated
	// policy) selects how an unregistered device should register.
	ChooseRegistrationMethod(ctx context.Context) (Method, error)

	// ProvideOTP blocks until a realm URL and one-time code are supplied
	// directly, for the OTP registration method.
	ProvideOTP(ctx context.Context) (url string, otc []byte, err error)
}

// StateChangeFunc is invoked whenever the core's state changes. It is
// called with the core's lock released.
type StateChangeFunc func(state State, reason FailureReason)

// Config bundles the collaborators and identifying fields a Core needs.
type Config struct {
	DeviceID          uint64
	Manufacturer      string
	Model             string
	FriendlyName      string
	SuggestedUserName string

	Store    *credstore.Store
	Mgmt     mgmtclient.Client
	Bus      pubsub.Bus
	Platform Platform

	LockPath string

	OnStateChange StateChangeFunc
	Logger        *slog.Logger
}

// Core is the top-level authentication state machine: one worker per
// device, serialized through its own mutex.
type Core struct {
	cfg Config

	mu         sync.Mutex
	state      State
	reason     FailureReason
	stopReason StopReason
	cancel     context.CancelFunc
	key        *rsa.PrivateKey
	chain      []*x509.Certificate
	running    bool
	done       chan struct{}

	logger *slog.Logger
}

// New constructs a Core in the Unauthenticated state.
func New(cfg Config) (*Core, error) {
	if cfg.Store == nil || cfg.Mgmt == nil || cfg.Bus == nil || cfg.Platform == nil {
		return nil, newCoreError(ErrKindInvalidArgument, fmt.Errorf("security: store, management client, bus, and platform are all required"))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Core{cfg: cfg, state: StateUnauthenticated, logger: logger}, nil
}

// State returns the current lifecycle state.
func (c *Core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// FailureReason returns the reason recorded for the most recent
// AuthenticationFailure, or ReasonUnknown otherwise.
func (c *Core) FailureReason() FailureReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// ListRealms enumerates every stored identity, not only the active one,
// per the original implementation's realm enumeration accessor.
func (c *Core) ListRealms(ctx context.Context) ([]string, error) {
	return c.cfg.Store.List(ctx)
}

// ManagementClient exposes the management-client collaborator, per the
// original implementation's context accessor.
func (c *Core) ManagementClient() mgmtclient.Client {
	return c.cfg.Mgmt
}

// Credentials returns the private key and certificate chain the core
// authenticated with. It is only meaningful once State() is Authenticated.
func (c *Core) Credentials() (*rsa.PrivateKey, []*x509.Certificate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key, c.chain
}

func (c *Core) setState(s State, reason FailureReason) {
	c.mu.Lock()
	c.state = s
	c.reason = reason
	c.mu.Unlock()
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s, reason)
	}
}

// Cancel requests that an in-flight Authenticate call abandon registration
// and settle in AuthenticationFailure with reason Cancelled. It is safe to
// call from any goroutine, including before the worker reaches a
// cancellable wait point.
func (c *Core) Cancel() {
	c.mu.Lock()
	c.stopReason = StopUserCancel
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Core) currentStopReason() StopReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopReason
}

// Destruct releases the credentials held by the core. Destruction may only
// run once the worker has settled into a terminal state: if Authenticate is
// mid-registration, Destruct waits for it to reach Authenticated or
// AuthenticationFailure before releasing anything. Called while the core is
// Unauthenticated with no worker in flight (Authenticate was never started),
// it returns an error of kind ErrKindBadState instead of blocking forever.
// A Destruct on a core that is already terminal, including a repeated one,
// succeeds.
func (c *Core) Destruct(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Terminal() {
		c.key, c.chain = nil, nil
		c.mu.Unlock()
		return nil
	}
	running, done := c.running, c.done
	c.mu.Unlock()

	if !running {
		return newCoreError(ErrKindBadState, fmt.Errorf("security: destruct called in state %s with no worker in flight", c.State()))
	}

	select {
	case <-done:
	case <-ctx.Done():
		return newCoreError(ErrKindBadState, fmt.Errorf("security: destruct: %w", ctx.Err()))
	}

	c.mu.Lock()
	c.key, c.chain = nil, nil
	c.mu.Unlock()
	return nil
}

// Authenticate drives the device from Unauthenticated to Authenticated or
// AuthenticationFailure. requestedRealm, if non-nil, restricts the stored
// identity search and the final credential check to that realm. Authenticate
// must not be called concurrently on the same Core.
func (c *Core) Authenticate(ctx context.Context, requestedRealm *uint64) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.stopReason = StopNone
	c.cancel = cancel
	c.running = true
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()
	defer cancel()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		close(done)
	}()

	unlock, err := c.acquireRegistrationLock()
	if err != nil {
		return c.fail(ReasonInternalError, fmt.Errorf("security: acquire registration lock: %w", err))
	}
	defer unlock()

	c.setState(StateTryingToLoadStored, ReasonUnknown)

	friendlyName, found, err := c.findStoredIdentity(ctx, requestedRealm)
	if err != nil {
		return c.fail(ReasonStoreFailure, err)
	}

	if found {
		if ok, verr := c.tryStoredCredentials(ctx, friendlyName, requestedRealm); ok {
			return nil
		} else if verr != nil {
			c.logger.WarnContext(ctx, "stored credentials failed verification, falling back to registration", "error", verr)
			_ = c.cfg.Store.Delete(ctx, friendlyName)
		}
	}

	return c.register(ctx, requestedRealm)
}

func (c *Core) findStoredIdentity(ctx context.Context, requestedRealm *uint64) (string, bool, error) {
	names, err := c.cfg.Store.List(ctx)
	if err != nil {
		return "", false, fmt.Errorf("security: enumerate stored realms: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		triple, err := identity.Parse(name)
		if err != nil {
			continue
		}
		if requestedRealm == nil || triple.RealmID == *requestedRealm {
			return name, true, nil
		}
	}
	return "", false, nil
}

func (c *Core) tryStoredCredentials(ctx context.Context, friendlyName string, requestedRealm *uint64) (bool, error) {
	c.setState(StateVerifyingLoaded, ReasonUnknown)
	key, chain, err := c.cfg.Store.Load(ctx, friendlyName)
	if err != nil {
		return false, fmt.Errorf("security: load stored credentials: %w", err)
	}
	if _, err := cryptoutil.ValidateCredentialChain(key, chain, requestedRealm); err != nil {
		return false, fmt.Errorf("security: verify stored credentials: %w", err)
	}
	c.mu.Lock()
	c.key, c.chain = key, chain
	c.mu.Unlock()
	c.setState(StateAuthenticated, ReasonUnknown)
	return true, nil
}

func (c *Core) register(ctx context.Context, requestedRealm *uint64) error {
	c.setState(StateRetrievingRegCredsGeneratingKey, ReasonUnknown)

	var (
		key     *rsa.PrivateKey
		keyErr  error
		method  Method
		methErr error
		wg      sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		key, keyErr = cryptoutil.GenerateRegistrationKey()
	}()
	go func() {
		defer wg.Done()
		method, methErr = c.cfg.Platform.ChooseRegistrationMethod(ctx)
	}()
	wg.Wait()

	if keyErr != nil {
		return c.fail(ReasonInternalError, fmt.Errorf("security: generate registration key: %w", keyErr))
	}
	c.setState(StateRetrievingRegCredsKeyGenerated, ReasonUnknown)

	if c.currentStopReason() != StopNone {
		return c.failFromStop(ctx)
	}
	if methErr != nil {
		return c.fail(ReasonPlatformFailure, fmt.Errorf("security: choose registration method: %w", methErr))
	}

	var (
		realmURL string
		otc      []byte
	)
	switch method {
	case MethodOTP:
		url, code, err := c.cfg.Platform.ProvideOTP(ctx)
		if err != nil {
			return c.fail(ReasonPlatformFailure, fmt.Errorf("security: provide otp: %w", err))
		}
		realmURL, otc = url, code
	case MethodRemoteRegistration:
		url, code, err := c.runRemoteRegistration(ctx, key)
		if err != nil {
			return err
		}
		realmURL, otc = url, code
	default:
		return c.fail(ReasonPlatformFailure, fmt.Errorf("security: platform selected no registration method"))
	}

	return c.enroll(ctx, key, realmURL, otc, requestedRealm)
}

func (c *Core) runRemoteRegistration(ctx context.Context, key *rsa.PrivateKey) (string, []byte, error) {
	reg, err := registration.New(registration.Config{
		DeviceID:          c.cfg.DeviceID,
		Manufacturer:      c.cfg.Manufacturer,
		Model:             c.cfg.Model,
		FriendlyName:      c.cfg.FriendlyName,
		SuggestedUserName: c.cfg.SuggestedUserName,
		Key:               key,
		Bus:               c.cfg.Bus,
		Platform:          c.cfg.Platform,
		Logger:            c.logger,
	})
	if err != nil {
		return "", nil, c.fail(ReasonInternalError, fmt.Errorf("security: construct remote registration: %w", err))
	}

	result, err := reg.Run(ctx)
	if err != nil {
		if c.currentStopReason() == StopUserCancel || errors.Is(err, context.Canceled) {
			return "", nil, c.fail(ReasonCancelled, err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			c.mu.Lock()
			c.stopReason = StopRemoteRegTimeout
			c.mu.Unlock()
			return "", nil, c.fail(ReasonRemoteRegistrationTimeout, err)
		}
		return "", nil, c.fail(ReasonPlatformFailure, err)
	}
	return result.RealmURL, result.OTC, nil
}

func (c *Core) enroll(ctx context.Context, key *rsa.PrivateKey, realmURL string, otc []byte, requestedRealm *uint64) error {
	c.setState(StateWaitingForSignedCertificate, ReasonUnknown)

	csrTemplate := &x509.CertificateRequest{Subject: pkix.Name{CommonName: "pending-enrollment"}}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, csrTemplate, key)
	if err != nil {
		return c.fail(ReasonInternalError, fmt.Errorf("security: build csr: %w", err))
	}
	csrPEM := pemEncodeCSR(csrDER)

	chainPEM, err := c.cfg.Mgmt.EnrollDevice(ctx, csrPEM, otcString(otc))
	if err != nil {
		return c.fail(reasonForErr(err), fmt.Errorf("security: enroll device: %w", err))
	}

	c.setState(StateVerifyingReceived, ReasonUnknown)
	chain, err := cryptoutil.DecodeChain(chainPEM)
	if err != nil {
		return c.fail(ReasonReceivedInvalidCredentials, fmt.Errorf("security: decode issued chain: %w", err))
	}
	triple, err := cryptoutil.ValidateCredentialChain(key, chain, requestedRealm)
	if err != nil {
		return c.fail(ReasonReceivedInvalidCredentials, fmt.Errorf("security: verify issued chain: %w", err))
	}

	c.setState(StateStoringCredentials, ReasonUnknown)
	friendlyName := identity.Format(triple)
	if err := c.cfg.Store.Save(ctx, friendlyName, key, chain); err != nil {
		return c.fail(ReasonStoreFailure, fmt.Errorf("security: persist issued credentials: %w", err))
	}

	c.mu.Lock()
	c.key, c.chain = key, chain
	c.mu.Unlock()
	c.setState(StateAuthenticated, ReasonUnknown)
	return nil
}

func (c *Core) fail(reason FailureReason, err error) error {
	c.setState(StateAuthenticationFailure, reason)
	return newCoreError(ErrKindGenericFailure, err)
}

func (c *Core) failFromStop(ctx context.Context) error {
	switch c.currentStopReason() {
	case StopUserCancel:
		return c.fail(ReasonCancelled, ctx.Err())
	case StopRemoteRegTimeout:
		return c.fail(ReasonRemoteRegistrationTimeout, ctx.Err())
	default:
		return c.fail(ReasonUnknown, ctx.Err())
	}
}

func otcString(otc []byte) string {
	for i, b := range otc {
		if b == 0 {
			return string(otc[:i])
		}
	}
	return string(otc)
}

func (c *Core) acquireRegistrationLock() (func(), error) {
	if c.cfg.LockPath == "" {
		return func() {}, nil
	}
	fd, err := unix.Open(c.cfg.LockPath, unix.O_CREAT|unix.O_RDWR, 0o700)
	if err != nil {
		return nil, fmt.Errorf("open registration lock: %w", err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("flock registration lock: %w", err)
	}
	return func() {
		unix.Flock(fd, unix.LOCK_UN)
		unix.Close(fd)
	}, nil
}

func pemEncodeCSR(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
}
