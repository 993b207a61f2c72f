// Package logx configures postrelay's structured logging.
//
// Logger is a small value-type wrapper on top of zerolog:
//   - console output stays readable (short timestamp + file:line caller)
//   - the optional file sink writes JSON lines
//   - the optional Telegram sink forwards warnings to an operator chat,
//     filtered by level and rate limited
//
// Credentials must never reach a sink in full; use MaskSecret.
package logx
