// Package orchestrator runs a crew of language-model specialists against a
// software task.
//
// # Overview
//
// A session is a walk over a fixed control graph:
//
//	supervisor → planner | coder | tester | reasoner → supervisor
//	supervisor → pr_creator → final_report
//	supervisor (FINISH) → final_report
//
// The Supervisor asks the fast model which specialist should act next and
// treats the answer as a suggestion: Route applies a deterministic override
// cascade so termination and loop breaking never depend on the model.
// Specialists run a tool-use loop restricted to the tools their RoleSpec
// allows. Their context is a bounded window of the message log plus pinned
// summaries (memory snapshot, original request, latest plan and advice).
//
// # State
//
// State is a value. Nodes return an Update and State.Apply folds it in
// using the per-field MergePolicy listed in FieldPolicies.
//
// # Engine
//
// Engine.Start and Engine.Resume stream one Event per executed node. State
// is checkpointed after every node, and a session that fails can be resumed
// from the node that failed. The orchestrator.max_steps ceiling forces the
// final report when routing does not converge.
package orchestrator
