package utils

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
)

const (
	ColorInfo  = 0x00ff00 // Green
	ColorWarn  = 0xffff00 // Yellow
	ColorError = 0xff0000 // Red
)

// Logger writes structured log records and can forward selected records
// to an admin channel as embeds.
type Logger struct {
	zl        zerolog.Logger
	session   *discordgo.Session
	channelID string
}

// NewLogger creates a logger writing to w at the given level ("debug", "info", ...).
func NewLogger(w io.Writer, level string, pretty bool) *Logger {
	if w == nil {
		w = os.Stderr
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return &Logger{zl: zerolog.New(w).Level(lvl).With().Timestamp().Logger()}
}

// NopLogger discards everything.
func NopLogger() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// AttachAdminChannel enables forwarding of Notify records to channelID.
func (l *Logger) AttachAdminChannel(s *discordgo.Session, channelID string) {
	l.session = s
	l.channelID = channelID
	if channelID == "" {
		l.Warn("Logger", "AttachAdminChannel", "admin_channel_id is not set, channel logging disabled")
	}
}

// With returns a child logger carrying an extra field on every record.
func (l *Logger) With(key, value string) *Logger {
	return &Logger{
		zl:        l.zl.With().Str(key, value).Logger(),
		session:   l.session,
		channelID: l.channelID,
	}
}

func (l *Logger) log(level zerolog.Level, module, operation, details string) {
	l.zl.WithLevel(level).
		Str("module", module).
		Str("operation", operation).
		Msg(details)
}

// Debug logs a debug message.
func (l *Logger) Debug(module, operation, details string) {
	l.log(zerolog.DebugLevel, module, operation, details)
}

// Info logs an informational message.
func (l *Logger) Info(module, operation, details string) {
	l.log(zerolog.InfoLevel, module, operation, details)
}

// Warn logs a warning message.
func (l *Logger) Warn(module, operation, details string) {
	l.log(zerolog.WarnLevel, module, operation, details)
}

// Error logs an error message.
func (l *Logger) Error(module, operation, details string) {
	l.log(zerolog.ErrorLevel, module, operation, details)
}

// Notify logs the record and also sends it to the admin channel.
func (l *Logger) Notify(level, module, operation, details string) {
	switch level {
	case "WARN":
		l.Warn(module, operation, details)
	case "ERROR":
		l.Error(module, operation, details)
	default:
		l.Info(module, operation, details)
	}
	if l.session == nil || l.channelID == "" {
		return
	}

	var color int
	switch level {
	case "WARN":
		color = ColorWarn
	case "ERROR":
		color = ColorError
	default:
		color = ColorInfo
	}

	embed := &discordgo.MessageEmbed{
		Title:     fmt.Sprintf("Log Level: %s", level),
		Color:     color,
		Timestamp: time.Now().Format(time.RFC3339),
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:   "模块",
				Value:  module,
				Inline: true,
			},
			{
				Name:   "操作",
				Value:  operation,
				Inline: true,
			},
			{
				Name:  "附加信息",
				Value: details,
			},
		},
	}

	if _, err := l.session.ChannelMessageSendEmbed(l.channelID, embed); err != nil {
		l.zl.Error().Err(err).Msg("failed to send log message to admin channel")
	}
}
