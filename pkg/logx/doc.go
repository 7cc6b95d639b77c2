// Package logx wraps zerolog behind a small structured-logging API.
//
// Components hold a Logger (usually derived with a "comp" field) and the
// app owns a single Service whose sinks and level can be swapped at
// runtime via Apply() without invalidating existing Logger values.
package logx
