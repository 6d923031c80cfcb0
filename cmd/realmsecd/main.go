package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/qeo-project/realm-security/pkg/config"
	"github.com/qeo-project/realm-security/pkg/credstore"
	"github.com/qeo-project/realm-security/pkg/cryptoutil"
	"github.com/qeo-project/realm-security/pkg/mgmtclient"
	"github.com/qeo-project/realm-security/pkg/policy"
	"github.com/qeo-project/realm-security/pkg/pubsub"
	"github.com/qeo-project/realm-security/pkg/security"
	"github.com/qeo-project/realm-security/pkg/telemetry"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("realmsecd", flag.ContinueOnError)
	deviceID := fs.Uint64("device", 1, "device id to authenticate as")
	manufacturer := fs.String("manufacturer", "qeo", "device manufacturer string")
	model := fs.String("model", "realmsecd", "device model string")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "realmsecd: load config: %v\n", err)
		return 2
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	provider, err := telemetry.New(context.Background(), &telemetry.Config{
		ServiceName: "qeo-realm-security",
		Enabled:     false, // demo binary has no collector to export to
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "realmsecd: init telemetry: %v\n", err)
		return 2
	}
	defer provider.Shutdown(context.Background())

	store, err := credstore.NewStore(cfg.StorageDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "realmsecd: open credential store: %v\n", err)
		return 2
	}

	mgmt := mgmtclient.NewHTTPClient(cfg.RealmURL, cfg.PolicyFetchMaxTimeout, logger)
	bus := pubsub.NewFakeBus() // stands in for the DDS transport (see pkg/pubsub)

	core, err := security.New(security.Config{
		DeviceID:     *deviceID,
		Manufacturer: *manufacturer,
		Model:        *model,
		Store:        store,
		Mgmt:         mgmt,
		Bus:          bus,
		Platform:     &stdioPlatform{in: bufio.NewReader(os.Stdin)},
		LockPath:     cfg.RegistrationLockPath,
		Logger:       logger,
		OnStateChange: func(state security.State, reason security.FailureReason) {
			logger.Info("security state transition", "state", state.String(), "reason", reason.String())
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "realmsecd: construct security core: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := core.Authenticate(ctx, nil); err != nil {
		logger.Error("authentication failed", "error", err, "reason", core.FailureReason().String())
		return 1
	}
	logger.Info("authenticated", "state", core.State().String())
	key, chain := core.Credentials()
	triple, err := cryptoutil.ValidateCredentialChain(key, chain, nil)
	if err != nil {
		logger.Error("authenticated credentials no longer valid", "error", err)
		return 1
	}

	engine := policy.NewEngine(cfg.StorageDir, triple.RealmID, chain, mgmt, policy.NoopPlugin{})
	if err := engine.Construct(ctx); err != nil {
		logger.Error("policy construct failed", "error", err)
		return 1
	}
	logger.Info("policy enforced", "seqnr", func() uint64 { _, n := engine.CurrentPolicy(); return n }())

	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// stdioPlatform is a minimal console Platform: it always selects the OTP
// method and reads a realm URL and code interactively, and asks on the
// console whether to accept a remote sponsor's realm offer.
type stdioPlatform struct {
	in *bufio.Reader
}

func (p *stdioPlatform) ChooseRegistrationMethod(ctx context.Context) (security.Method, error) {
	return security.MethodOTP, nil
}

func (p *stdioPlatform) ProvideOTP(ctx context.Context) (string, []byte, error) {
	fmt.Fprint(os.Stdout, "realm URL: ")
	url, err := p.readLine()
	if err != nil {
		return "", nil, err
	}
	fmt.Fprint(os.Stdout, "one-time code: ")
	otc, err := p.readLine()
	if err != nil {
		return "", nil, err
	}
	return url, []byte(otc), nil
}

func (p *stdioPlatform) ConfirmRealm(ctx context.Context, realmURL string) (bool, error) {
	fmt.Fprintf(os.Stdout, "accept realm %s? [y/N]: ", realmURL)
	answer, err := p.readLine()
	if err != nil {
		return false, err
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}

func (p *stdioPlatform) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
