// Package logx configures postpilot's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller), or JSON when format=json
//   - File output JSON-structured
//   - Loggers live across config hot-reloads (Service.Apply)
package logx
