package vault

import (
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const serviceName = "contract-intel"

// DefaultProviders is the provider list used when New is called with none,
// matching the models contract-intel's LLM client is configured for
// (config.LLMConfig's primary/fallback model pool draws keys from OpenAI,
// Anthropic, or Google-backed endpoints).
var DefaultProviders = []string{"openai", "anthropic", "google"}

// Vault provides secure API key storage using the OS keychain,
// with fallback to environment variables.
type Vault struct {
	providers []string
}

// New creates a Vault that checks the given providers in List(). With no
// providers given, it checks DefaultProviders.
func New(providers ...string) *Vault {
	if len(providers) == 0 {
		providers = DefaultProviders
	}
	return &Vault{providers: providers}
}

// Set stores an API key for the given provider in the OS keychain.
func (v *Vault) Set(provider, key string) error {
	return keyring.Set(serviceName, provider, key)
}

// Get retrieves the API key for the given provider. It first checks the
// OS keychain, then falls back to the environment variable
// LEXAI_KEY_{UPPER(provider)}.
func (v *Vault) Get(provider string) (string, error) {
	secret, err := keyring.Get(serviceName, provider)
	if err == nil && secret != "" {
		return secret, nil
	}

	// Fallback to environment variable.
	envKey := "LEXAI_KEY_" + strings.ToUpper(provider)
	if val := os.Getenv(envKey); val != "" {
		return val, nil
	}

	return "", fmt.Errorf("no key found for provider %q: not in keychain and %s not set", provider, envKey)
}

// Delete removes the API key for the given provider from the OS keychain.
func (v *Vault) Delete(provider string) error {
	return keyring.Delete(serviceName, provider)
}

// List returns the names of known providers that currently have keys stored.
// It checks both the keychain and environment variables for each provider.
func (v *Vault) List() ([]string, error) {
	var providers []string

	for _, provider := range v.providers {
		// Check keychain.
		secret, err := keyring.Get(serviceName, provider)
		if err == nil && secret != "" {
			providers = append(providers, provider)
			continue
		}

		// Check environment variable.
		envKey := "LEXAI_KEY_" + strings.ToUpper(provider)
		if val := os.Getenv(envKey); val != "" {
			providers = append(providers, provider)
		}
	}

	return providers, nil
}

// ResolveKeyRef parses a key reference and retrieves the corresponding API key.
// Supported formats:
//   - "keyring://contract-intel/<provider>" (preferred)
//   - "keychain:contract-intel/<provider>" (legacy)
//   - "env:VARIABLE_NAME" (environment variable)
//   - "file:///path/to/key" (plain-text file)
func (v *Vault) ResolveKeyRef(keyRef string) (string, error) {
	// Format 1: keyring://contract-intel/<provider>
	if strings.HasPrefix(keyRef, "keyring://") {
		path := strings.TrimPrefix(keyRef, "keyring://")
		parts := strings.SplitN(path, "/", 2)
		if len(parts) != 2 || parts[0] != serviceName || parts[1] == "" {
			return "", fmt.Errorf("invalid key reference format: %q (expected \"keyring://contract-intel/<provider>\")", keyRef)
		}
		return v.Get(parts[1])
	}

	// Format 2: keychain:contract-intel/<provider> (legacy)
	if strings.HasPrefix(keyRef, "keychain:") {
		path := strings.TrimPrefix(keyRef, "keychain:")
		parts := strings.SplitN(path, "/", 2)
		if len(parts) != 2 || parts[0] != serviceName || parts[1] == "" {
			return "", fmt.Errorf("invalid key reference path: %q (expected \"contract-intel/<provider>\")", path)
		}
		return v.Get(parts[1])
	}

	// Format 3: env:VARIABLE_NAME
	if strings.HasPrefix(keyRef, "env:") {
		envVar := strings.TrimPrefix(keyRef, "env:")
		if val := os.Getenv(envVar); val != "" {
			return val, nil
		}
		return "", fmt.Errorf("environment variable %q is not set", envVar)
	}

	// Format 4: file:///path/to/key
	if strings.HasPrefix(keyRef, "file://") {
		filePath := strings.TrimPrefix(keyRef, "file://")
		data, err := os.ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("reading key file %q: %w", filePath, err)
		}
		key := strings.TrimSpace(string(data))
		if key == "" {
			return "", fmt.Errorf("key file %q is empty", filePath)
		}
		return key, nil
	}

	return "", fmt.Errorf("invalid key reference format: %q (expected \"keyring://contract-intel/<provider>\", \"keychain:contract-intel/<provider>\", \"env:VARIABLE_NAME\", or \"file:///path/to/key\")", keyRef)
}
