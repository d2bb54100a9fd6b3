package flags

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/argus-run/argus-vault/access"
	"github.com/argus-run/argus-vault/common"
	"github.com/argus-run/argus-vault/httpserver"
	"github.com/argus-run/argus-vault/keychain"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String(LogServiceFlag.Name)

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
		Output:  cCtx.App.ErrWriter,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// Home returns the data directory, defaulting to ~/.argus.
func Home(cCtx *cli.Context) (string, error) {
	if home := cCtx.String(HomeFlag.Name); home != "" {
		return home, nil
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot resolve home directory, set --%s: %w", HomeFlag.Name, err)
	}
	return filepath.Join(userHome, ".argus"), nil
}

// PolicyPath returns the capability policy path, defaulting to
// <home>/policy.yaml.
func PolicyPath(cCtx *cli.Context, home string) string {
	if p := cCtx.String(PolicyFlag.Name); p != "" {
		return p
	}
	return filepath.Join(home, access.DefaultPolicyFileName)
}

// KeychainConfig selects the keychain variant. The file variant keeps its
// items under <home>/keychain.
func KeychainConfig(cCtx *cli.Context, home string, log *slog.Logger) keychain.Config {
	cfg := keychain.Config{
		Kind: cCtx.String(KeychainFlag.Name),
		Dir:  filepath.Join(home, "keychain"),
		Log:  log,
	}
	if pw := cCtx.String(KeychainPassphraseFlag.Name); pw != "" {
		cfg.Passphrase = []byte(pw)
	}
	return cfg
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger) *httpserver.HTTPServerConfig {
	return &httpserver.HTTPServerConfig{
		ListenAddr:               cCtx.String(ListenAddrFlag.Name),
		Log:                      logger,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		DrainDuration:            time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

var HomeFlag = &cli.StringFlag{
	Name:    "home",
	EnvVars: []string{"ARGUS_HOME"},
	Usage:   "vault data directory (default ~/.argus)",
}

var KeychainFlag = &cli.StringFlag{
	Name:    "keychain",
	Value:   keychain.KindOS,
	EnvVars: []string{"ARGUS_KEYCHAIN"},
	Usage:   "keychain holding the root secret: 'os' or 'file'",
}

var KeychainPassphraseFlag = &cli.StringFlag{
	Name:    "keychain-passphrase",
	EnvVars: []string{"ARGUS_KEYCHAIN_PASSPHRASE"},
	Usage:   "seal file keychain items under this passphrase (prefer the environment variable)",
}

var SubjectFlag = &cli.StringFlag{
	Name:    "subject",
	Value:   "operator",
	EnvVars: []string{"ARGUS_SUBJECT"},
	Usage:   "identity requests are evaluated for",
}

var PolicyFlag = &cli.StringFlag{
	Name:    "policy",
	EnvVars: []string{"ARGUS_POLICY"},
	Usage:   "capability policy file (default <home>/policy.yaml)",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:    "log-json",
	Value:   false,
	EnvVars: []string{"ARGUS_LOG_JSON"},
	Usage:   "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:    "log-debug",
	Value:   false,
	EnvVars: []string{"ARGUS_LOG_DEBUG"},
	Usage:   "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:    "log-uid",
	Value:   false,
	EnvVars: []string{"ARGUS_LOG_UID"},
	Usage:   "generate a uuid and add to all log messages",
}
var LogServiceFlag = &cli.StringFlag{
	Name:    "log-service",
	Value:   "argus-vault",
	EnvVars: []string{"ARGUS_LOG_SERVICE"},
	Usage:   "add 'service' tag to logs",
}

var ListenAddrFlag = &cli.StringFlag{
	Name:    "listen-addr",
	Value:   "127.0.0.1:7787",
	EnvVars: []string{"ARGUS_LISTEN_ADDR"},
	Usage:   "loopback address the broker listens on",
}
var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}

var CommonFlags = []cli.Flag{
	HomeFlag,
	KeychainFlag,
	KeychainPassphraseFlag,
	SubjectFlag,
	PolicyFlag,
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlag,
}

var ServerFlags = []cli.Flag{
	ListenAddrFlag,
	PprofFlag,
	DrainSecondsFlag,
}
