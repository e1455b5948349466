// Package memory persists agent memory across sessions.
//
// Three plain-text files live under the memory directory: short-term context
// kept as a short bullet list, long-term key facts, and user rules. Short and
// long-term memory are rewritten by a language model on ingest; user rules
// are append-only. An optional chromem-go index makes long-term memory
// searchable by similarity.
package memory
