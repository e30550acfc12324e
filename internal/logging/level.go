package logging

import "github.com/sirupsen/logrus"

// SetLogLevel maps a config-file/env log-level string onto the package
// logrus level, accepting the teacher's historical aliases ("verbose"
// for debug, "quiet"/"silent" for fatal-only) alongside the standard
// names. An unrecognized value falls back to info rather than erroring,
// since a typo'd log level shouldn't stop the gateway from starting.
func SetLogLevel(level string) {
	switch normalizeLevel(level) {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	case "quiet":
		logrus.SetLevel(logrus.FatalLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}

func normalizeLevel(level string) string {
	switch toLower(level) {
	case "debug", "verbose":
		return "debug"
	case "warn", "warning":
		return "warn"
	case "error":
		return "error"
	case "quiet", "silent":
		return "quiet"
	default:
		return "info"
	}
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
