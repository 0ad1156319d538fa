// Package logger wraps zap with a global sugared console logger and
// context helpers (ToContext, FromContext, WithName, WithKV).
//
// Every step of the updater receives a context and logs through it, so the
// named logger set by the service follows the call chain down to the
// archive and copy helpers.
package logger
