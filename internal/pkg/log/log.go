// Package log adds logging utilities.
package log

import (
	"strings"
	"time"

	"relay/internal/pkg/link"
	"relay/internal/pkg/wire"

	"github.com/sirupsen/logrus"
)

// SetLogger sets the default logger's level and format.
func SetLogger(level string) {
	logrus.SetLevel(logrus.ErrorLevel)
	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = time.RFC3339
	logrus.SetFormatter(customFormatter)
	customFormatter.FullTimestamp = true
	switch strings.ToLower(level) {
	case "trace":
		logrus.SetLevel(logrus.TraceLevel)
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.ErrorLevel)
	}
}

// FrameToFields renders a wire frame for logging.
func FrameToFields(f wire.Frame) logrus.Fields {
	return logrus.Fields{
		"command":    f.Command,
		"session_id": f.SessionID,
		"part":       f.Part,
		"total":      f.Total,
		"fields":     len(f.Fields),
	}
}

// MessageToFields renders a reassembled link message for logging.
func MessageToFields(msg link.Message) logrus.Fields {
	return logrus.Fields{
		"command":    msg.Command,
		"session_id": msg.SessionID,
		"fields":     len(msg.Fields),
	}
}
