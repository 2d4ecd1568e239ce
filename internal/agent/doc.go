// Package agent contains the per-vault orchestrator. It reads asset manager
// events from the native chain, dispatches them to the workflow state
// machines, advances every open workflow each tick, and performs periodic
// maintenance such as collateral checks and daily underlying balance
// inspection. All durable state lives in the store, so a restarted process
// resumes exactly where the previous one stopped.
package agent
