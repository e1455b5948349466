// Package llm binds model tiers to an OpenAI-compatible chat endpoint through
// langchaingo, with client-side rate limiting and retries.
//
// Roles never pick a model name directly; they ask for a Tier and the Client
// applies the configured model, temperature and token cap.
package llm
