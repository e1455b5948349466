package config

const redacted = "[REDACTED]"

// Secret holds a credential loaded from config or the environment, such as
// the model API key or the GitHub token. Every printing and encoding path
// yields a placeholder; call Value at the point of use.
type Secret string

// Value returns the raw credential.
func (s Secret) Value() string { return string(s) }

// IsSet reports whether a credential was configured.
func (s Secret) IsSet() bool { return s != "" }

func (s Secret) String() string {
	if !s.IsSet() {
		return ""
	}
	return redacted
}

func (s Secret) GoString() string { return "Secret(" + redacted + ")" }

// MarshalText also covers JSON and YAML output.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
