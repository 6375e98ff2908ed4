// Package logx configures sonaris' structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured, for post-mortem on long unattended runs
//   - Level and sinks swappable at runtime (config hot reload)
package logx
