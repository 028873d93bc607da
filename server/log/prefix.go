// Package log holds logging helpers that sit on top of github.com/cyclopcam/logs
package log

import "github.com/cyclopcam/logs"

// PrefixLogger writes to the underlying log, with every message prefixed by the
// name of the component that wrote it, eg "Segment 3: Finished"
type PrefixLogger struct {
	Log    logs.Log
	Prefix string
}

// NewPrefixLogger adds a space after prefix
func NewPrefixLogger(log logs.Log, prefix string) *PrefixLogger {
	return &PrefixLogger{
		Log:    log,
		Prefix: prefix + " ",
	}
}

// Close closes the underlying log, which is usually shared, so most components never call it
func (l *PrefixLogger) Close() {
	l.Log.Close()
}

func (l *PrefixLogger) Debugf(format string, a ...any) {
	l.Log.Debugf(l.Prefix+format, a...)
}

func (l *PrefixLogger) Infof(format string, a ...any) {
	l.Log.Infof(l.Prefix+format, a...)
}

func (l *PrefixLogger) Warnf(format string, a ...any) {
	l.Log.Warnf(l.Prefix+format, a...)
}

func (l *PrefixLogger) Errorf(format string, a ...any) {
	l.Log.Errorf(l.Prefix+format, a...)
}

func (l *PrefixLogger) Criticalf(format string, a ...any) {
	l.Log.Criticalf(l.Prefix+format, a...)
}
