package config

import (
	"fmt"
	"os"
	"time"
)

// Config holds the runtime configuration of a realm security agent.
type Config struct {
	// LogLevel controls the verbosity of structured logging.
	LogLevel string

	// StorageDir is the root directory under which credentials and cached
	// policy documents are persisted.
	StorageDir string

	// RealmURL is the base URL of the realm's location/registration
	// service, used both for remote registration and for policy refresh.
	RealmURL string

	// OTPTimeout is the configured limit on waiting for a one-time code.
	// Load reads it, but no package in this module applies it: the
	// security core waits on the platform without a timeout of its own.
	OTPTimeout time.Duration

	// RemoteRegistrationTimeout is the configured limit on a remote
	// registration handshake. Load reads it, but no package in this module
	// applies it; the security core reports a remote-registration timeout
	// only when the context passed to Authenticate reaches its deadline.
	RemoteRegistrationTimeout time.Duration

	// PolicyFetchMaxTimeout is the timeout of each HTTP attempt the
	// management client makes, matching the source system's
	// LOC_SRV_MAX_TIMEOUT knob; the total time of a call including its
	// retries is not bounded by it.
	PolicyFetchMaxTimeout time.Duration

	// RegistrationLockPath is the filesystem path used to serialize
	// concurrent registration attempts for the same user across processes.
	RegistrationLockPath string
}

// Load loads configuration from environment variables, applying the same
// defaults a development deployment would use.
func Load() (*Config, error) {
	storageDir := os.Getenv("QEO_STORAGE_DIR")
	if storageDir == "" {
		storageDir = "/var/lib/qeo"
	}

	realmURL := os.Getenv("QEO_REALM_URL")

	logLevel := os.Getenv("QEO_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	otpTimeout, err := durationEnv("QEO_OTP_TIMEOUT", 2*time.Minute)
	if err != nil {
		return nil, err
	}
	regTimeout, err := durationEnv("QEO_REMOTE_REGISTRATION_TIMEOUT", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	policyTimeout, err := durationEnv("QEO_POLICY_FETCH_MAX_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}

	lockPath := os.Getenv("QEO_REGISTRATION_LOCK_PATH")
	if lockPath == "" {
		lockPath = fmt.Sprintf("/tmp/.qeo_reg_%d.lock", os.Getuid())
	}

	return &Config{
		LogLevel:                  logLevel,
		StorageDir:                storageDir,
		RealmURL:                  realmURL,
		OTPTimeout:                otpTimeout,
		RemoteRegistrationTimeout: regTimeout,
		PolicyFetchMaxTimeout:     policyTimeout,
		RegistrationLockPath:      lockPath,
	}, nil
}

func durationEnv(name string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: malformed duration for %s: %w", name, err)
	}
	return d, nil
}
