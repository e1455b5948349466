// Package tools provides the named, callable tools offered to specialists.
//
// Every tool takes JSON arguments and returns text. A Registry holds all
// known tools; a Set is the subset one role may use, built from an
// allow-list and rejected at construction if any name is unknown. Wrapping a
// Set with Counted tallies every call, turns tool errors into text for the
// model and scrubs secrets from the output.
//
// Built-in tools cover the repository staging area (clone, list, read,
// write, run), a scratch temp directory, GitHub pull requests and issues,
// and the memory files.
package tools
