// Package sagacore coordinates multi-step business workflows across
// independently owned services using the saga pattern: when any milestone of
// a workflow fails, every previously completed milestone is compensated in
// reverse order through an idempotent undo handler.
//
// The guarantees are a capability, not a mandate. A policy layer decides per
// call whether an operation kind runs under saga guarantees at all; with the
// policy off, the caller's step functions run directly with zero ledger
// overhead and errors propagate unchanged.
//
// Overview
//
//  1. Register compensation handlers at startup:
//     - One idempotent handler per (operation kind, milestone), registered in
//       a CompensationRegistry.
//  2. Provide a policy source:
//     - A ViperPolicySource for live external configuration, or a
//       StaticPolicySource for fixed allow-lists and tests.
//  3. Pick a ledger:
//     - NewFileLedger for durable single-node state, NewMemoryLedger for
//       tests, or any Ledger implementation over a store with durable append
//       and conditional update.
//  4. Execute:
//     - Build an Orchestrator with NewOrchestrator and call Execute with the
//       ordered milestone plan. Query progress with GetSagaStatus, and run
//       Recover on startup to roll back sagas a crash left in flight.
//
// Example:
//
//	registry := sagacore.NewCompensationRegistry()
//	registry.Register("data_ingest_pipeline", "ingest", "delete_uploaded_file", deleteUploadedFile)
//
//	orch := sagacore.NewOrchestrator(ledger, registry, policySource, sagacore.Options{})
//	result, err := orch.Execute(ctx, "data_ingest_pipeline", sagacore.Context{"file_id": id},
//		[]sagacore.Milestone{{Name: "ingest", Step: ingestStep}, {Name: "parse", Step: parseStep}},
//		nil)
package sagacore
