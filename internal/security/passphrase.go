package security

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// DefaultPassphraseEnv is consulted when no passphrase is passed explicitly.
const DefaultPassphraseEnv = "ZKWALLET_PASSPHRASE"

// PassphraseSource resolves a passphrase: explicit value first, then the
// environment variable, then an interactive prompt.
type PassphraseSource struct {
	EnvVar string
	Getenv func(string) string
	Prompt func(label string) ([]byte, error)
}

// Resolve returns the first non-empty passphrase from explicit, the
// environment and the prompt, in that order.
func (s PassphraseSource) Resolve(explicit string) ([]byte, error) {
	if explicit != "" {
		return []byte(explicit), nil
	}
	envVar := s.EnvVar
	if envVar == "" {
		envVar = DefaultPassphraseEnv
	}
	getenv := s.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv(envVar); v != "" {
		return []byte(v), nil
	}
	prompt := s.Prompt
	if prompt == nil {
		prompt = TerminalPrompt
	}
	pass, err := prompt("wallet passphrase: ")
	if err != nil {
		return nil, fmt.Errorf("security: read passphrase: %w", err)
	}
	if len(strings.TrimSpace(string(pass))) == 0 {
		return nil, fmt.Errorf("security: empty passphrase")
	}
	return pass, nil
}

// TerminalPrompt reads a passphrase from the controlling terminal without echo.
func TerminalPrompt(label string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("stdin is not a terminal; set %s or pass a passphrase", DefaultPassphraseEnv)
	}
	fmt.Fprint(os.Stderr, label)
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	return pass, err
}
