// Package logx wraps zerolog behind a small, stable logging API.
//
// It provides:
//   - A Service that owns the configured sinks (console, JSON file) and can
//     swap levels/outputs at runtime via Apply().
//   - A value-type Logger that stays live across Apply() calls and supports
//     derived loggers with fixed fields (With()).
//   - Field helpers mirroring slog.Attr ergonomics without depending on slog.
//
// Components receive a logx.Logger by value; logx.Nop() is a safe default
// for tests.
package logx
