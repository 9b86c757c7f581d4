// Package manager is the request-facing orchestration layer of the genome
// runtime. It ties the assembler (layers to composite) to the process pool
// (composite to worker) and adds per-genome admission. Files by concern:
//
//   - manager.go: core Manager type, Ready, Close.
//   - config.go: ManagerConfig and package defaults; NewWithConfig applies defaults.
//   - types.go: per-genome admission lanes.
//   - errors.go: error helpers for HTTP mapping (IsTooBusy, IsGenomeNotFound, IsUnavailable).
//   - admission.go: per-genome queueing and generation admission.
//   - infer.go: inference entry point and NDJSON streaming.
//   - ops.go: Readiness, Assemble, Preload and the asynchronous Warm.
//   - unload.go: drain and release of one genome.
//   - status_report.go: Status/Stats/Diagnostics reporting.
//   - events.go, eventpub_memory.go: lifecycle events and publishers.
//
// External packages should use public methods only. The Manager never
// touches worker processes directly; the pool owns them.
package manager
