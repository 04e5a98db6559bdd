package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/99designs/keyring"
)

const (
	serviceName = "chatsync"

	envKeyringBackend  = "CHATSYNC_KEYRING_BACKEND"
	envKeyringPassword = "CHATSYNC_KEYRING_PASSWORD"
	envCredentialsDir  = "CHATSYNC_CREDENTIALS_DIR"

	keyringBackendAuto   = "auto"
	keyringBackendFile   = "file"
	keyringBackendSystem = "system"
)

// Secret names accepted by SetSecret.
const (
	SecretDatabaseURL = "database_url"
	SecretRedisURL    = "redis_url"
)

// SecretNames lists the secrets chatsync reads from the keyring.
var SecretNames = []string{SecretDatabaseURL, SecretRedisURL}

// ErrSecretNotFound is returned when a secret is not stored.
var ErrSecretNotFound = errors.New("secret not found")

// ErrUnknownSecret is returned for names outside SecretNames.
var ErrUnknownSecret = errors.New("unknown secret")

// openKeyring is a package-level function for opening keyrings.
// It can be replaced in tests to use a mock keyring.
var openKeyring = func(cfg keyring.Config) (keyring.Keyring, error) {
	return keyring.Open(cfg)
}

var userConfigDir = os.UserConfigDir

var stdinHasTTY = func() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// SetOpenKeyring allows replacing the keyring opener for testing.
// Returns a cleanup function that restores the original.
func SetOpenKeyring(fn func(keyring.Config) (keyring.Keyring, error)) func() {
	original := openKeyring
	openKeyring = fn
	return func() { openKeyring = original }
}

func keyringConfig() keyring.Config {
	cfg := keyring.Config{
		ServiceName: serviceName,
	}

	backend := keyringBackendMode()
	if backend == keyringBackendSystem {
		return cfg
	}

	// Auto mode still configures the file backend so keyring.Open can fall
	// through to encrypted file storage when native backends are missing.
	configureFileBackend(&cfg)

	// Headless Linux bypasses other backends.
	if shouldForceFileBackend(runtime.GOOS, backend, os.Getenv("DBUS_SESSION_BUS_ADDRESS")) {
		cfg.AllowedBackends = []keyring.BackendType{keyring.FileBackend}
	}

	return cfg
}

func keyringBackendMode() string {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(envKeyringBackend))) {
	case keyringBackendFile:
		return keyringBackendFile
	case keyringBackendSystem, "os", "native":
		return keyringBackendSystem
	default:
		return keyringBackendAuto
	}
}

func shouldForceFileBackend(goos, backend, dbusAddr string) bool {
	if backend == keyringBackendFile {
		return true
	}
	if backend != keyringBackendAuto {
		return false
	}
	return goos == "linux" && strings.TrimSpace(dbusAddr) == ""
}

func configureFileBackend(cfg *keyring.Config) {
	cfg.FileDir = keyringFileDir()
	cfg.FilePasswordFunc = keyringFilePassword
}

func keyringFileDir() string {
	base := strings.TrimSpace(os.Getenv(envCredentialsDir))
	if base == "" {
		if dir, err := userConfigDir(); err == nil && strings.TrimSpace(dir) != "" {
			base = filepath.Join(dir, serviceName)
		}
	}
	if base == "" {
		base = filepath.Join(os.TempDir(), serviceName)
	}
	return filepath.Join(base, "keyring")
}

func keyringFilePassword(prompt string) (string, error) {
	if password := os.Getenv(envKeyringPassword); strings.TrimSpace(password) != "" {
		return password, nil
	}
	if !stdinHasTTY() {
		return "", fmt.Errorf("set %s when using file keyring in non-interactive environments", envKeyringPassword)
	}
	return keyring.TerminalPrompt(prompt)
}

func checkSecretName(name string) error {
	if !slices.Contains(SecretNames, name) {
		return fmt.Errorf("%w %q (known: %s)", ErrUnknownSecret, name, strings.Join(SecretNames, ", "))
	}
	return nil
}

// SetSecret stores a secret in the OS keychain.
func SetSecret(name, value string) error {
	if err := checkSecretName(name); err != nil {
		return err
	}
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("secret %s must not be empty", name)
	}
	ring, err := openKeyring(keyringConfig())
	if err != nil {
		return fmt.Errorf("failed to open keyring: %w", err)
	}
	if err := ring.Set(keyring.Item{Key: name, Data: []byte(value), Label: serviceName + " " + name}); err != nil {
		return fmt.Errorf("failed to save secret: %w", err)
	}
	return nil
}

// Secret reads a secret from the OS keychain.
func Secret(name string) (string, error) {
	if err := checkSecretName(name); err != nil {
		return "", err
	}
	ring, err := openKeyring(keyringConfig())
	if err != nil {
		return "", fmt.Errorf("failed to open keyring: %w", err)
	}
	item, err := ring.Get(name)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("failed to get secret: %w", err)
	}
	return string(item.Data), nil
}

// DeleteSecret removes a secret. Removing a missing secret is not an error.
func DeleteSecret(name string) error {
	if err := checkSecretName(name); err != nil {
		return err
	}
	ring, err := openKeyring(keyringConfig())
	if err != nil {
		return fmt.Errorf("failed to open keyring: %w", err)
	}
	if err := ring.Remove(name); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("failed to remove secret: %w", err)
	}
	return nil
}

// StoredSecrets returns the names of the secrets present in the keychain.
func StoredSecrets() ([]string, error) {
	ring, err := openKeyring(keyringConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	keys, err := ring.Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	var out []string
	for _, k := range keys {
		if slices.Contains(SecretNames, k) {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out, nil
}
