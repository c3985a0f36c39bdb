package logging

import (
	"log/slog"
	"strings"
)

// LevelFromString parses DEBUG, INFO, WARN or ERROR, case insensitive.
// Anything else gives INFO.
func LevelFromString(str string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(str)) {
	case slog.LevelDebug.String():
		return slog.LevelDebug
	case slog.LevelWarn.String(), "WARNING":
		return slog.LevelWarn
	case slog.LevelError.String():
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func AttrFormatFromString(str string) LogAttrFormat {
	if strings.EqualFold(strings.TrimSpace(str), string(LogAttrFormatText)) {
		return LogAttrFormatText
	}
	return LogAttrFormatJSON
}
