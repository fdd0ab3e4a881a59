// Package logx configures timerd's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Call-site stack excerpts available to diagnostics (StackTrace)
package logx
