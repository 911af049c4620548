// Package logx configures datafarm's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional Telegram sink (min-level + rate limiting)
//
// The Service rebuilds the root logger when config changes; loggers handed
// out earlier stay live because they resolve the root through the Service.
// The zero Logger is a safe no-op, so components accept it without nil checks.
package logx
