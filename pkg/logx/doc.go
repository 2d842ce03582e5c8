// Package logx is alarmd's structured logging layer on top of zerolog.
//
// Components receive a Logger by value and derive their own with With. A
// Logger obtained from a Service follows later Service.Apply calls, so level
// and sink changes from a config reload reach every component without
// re-wiring. Console output is human readable; the file sink is JSON.
package logx
