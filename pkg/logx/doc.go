// Package logx wraps zerolog behind a small structured-logging API with
// hot-swappable sinks. Components hold a Logger; the Service owning the
// root can re-apply sink/level config without anyone re-fetching loggers.
package logx
