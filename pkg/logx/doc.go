// Package logx is a small structured-logging façade over zerolog.
//
// Components receive a Logger value; the Service owns sinks and levels and
// can re-apply configuration at runtime without invalidating handed-out
// loggers.
package logx
