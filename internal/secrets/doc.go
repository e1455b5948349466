// Package secrets scrubs credentials out of text before it reaches a model,
// a log line or a published event.
//
// Detection uses the Gitleaks default rule set. A TOML allowlist in the
// Gitleaks format can exclude known-safe values:
//
//	[allowlist]
//	regexes = ['''EXAMPLE_TOKEN_.*''']
package secrets
