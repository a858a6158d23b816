// Package logx is commentwatch's structured logging on top of zerolog.
//
// A Service owns the sinks (console, JSON-lines file, and an optional
// Telegram mirror for errors) and can be reconfigured at runtime with
// Apply; every Logger handed out by it follows the change. Component,
// Source and Cycle are the standard tagging fields.
package logx
