// Package logx wraps zerolog behind a small structured-logging API.
//
// Components receive a Logger value; the root Service owns the sinks
// (console, file) and can swap level/outputs at runtime via Apply()
// without invalidating loggers already handed out.
package logx
