// Package logger provides the shared logger used by all of the conversion
// tools. Output goes to stderr (optionally colored) and, if requested, to a
// log file at trace level.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// Log is the process-wide logger. It is usable (stderr, info level) even
// before Init is called.
var Log *logrus.Logger

const (
	ColorFlag     = "log-color"
	ColorFlagHelp = "Color setting for console log output."
	FileFlag      = "log-file"
	FileFlagHelp  = "Path of a file to write the full (trace level) log to."
	LevelsFlag    = "log-level"
	LevelsHelp    = "Minimum log level for console output."

	ColorsPlaceholder = "(always|auto|never)"
	LevelsPlaceholder = "(panic|fatal|error|warn|info|debug|trace)"

	defaultLogLevel = logrus.InfoLevel
)

type LogFlags struct {
	LogColor *string
	LogFile  *string
	LogLevel *string
}

func init() {
	Log = logrus.New()
	Log.SetOutput(os.Stderr)
	Log.SetLevel(defaultLogLevel)
	Log.SetFormatter(&consoleFormatter{})
}

// Colors returns the valid values for the --log-color flag.
func Colors() []string {
	return []string{"always", "auto", "never"}
}

// Levels returns the valid values for the --log-level flag.
func Levels() []string {
	levels := make([]string, 0, len(logrus.AllLevels))
	for _, level := range logrus.AllLevels {
		levels = append(levels, level.String())
	}
	return levels
}

// Init configures the shared logger from the parsed command line flags.
func Init(flags *LogFlags) error {
	switch *flags.LogColor {
	case "always":
		color.NoColor = false
	case "never":
		color.NoColor = true
	case "auto", "":
		// Let fatih/color auto-detect the terminal.
	default:
		return fmt.Errorf("unknown log color setting (%s)", *flags.LogColor)
	}

	if *flags.LogLevel != "" {
		level, err := logrus.ParseLevel(*flags.LogLevel)
		if err != nil {
			return fmt.Errorf("failed to parse log level (%s):\n%w", *flags.LogLevel, err)
		}
		Log.SetLevel(level)
	}

	if *flags.LogFile != "" {
		logFile, err := os.OpenFile(*flags.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file (%s):\n%w", *flags.LogFile, err)
		}

		// The file hook always records at trace level, independent of the
		// console level.
		Log.AddHook(&fileLogHook{file: logFile})
	}

	return nil
}

// InitBestEffort configures the shared logger and logs a warning instead of
// failing if the flags are invalid.
func InitBestEffort(flags *LogFlags) {
	err := Init(flags)
	if err != nil {
		Log.Warnf("Failed to configure logger: %v", err)
	}
}

type consoleFormatter struct {
}

func (f *consoleFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	levelColor := levelToColor(entry.Level)

	builder := strings.Builder{}
	builder.WriteString(entry.Time.Format("2006-01-02T15:04:05Z07:00"))
	builder.WriteString(" ")
	builder.WriteString(levelColor.Sprintf("[%s]", strings.ToUpper(entry.Level.String())))
	builder.WriteString(" ")
	builder.WriteString(entry.Message)
	builder.WriteString("\n")
	return []byte(builder.String()), nil
}

func levelToColor(level logrus.Level) *color.Color {
	switch level {
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		return color.New(color.FgRed)
	case logrus.WarnLevel:
		return color.New(color.FgYellow)
	case logrus.DebugLevel, logrus.TraceLevel:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgGreen)
	}
}

type fileLogHook struct {
	file io.WriteCloser
}

func (h *fileLogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *fileLogHook) Fire(entry *logrus.Entry) error {
	line := fmt.Sprintf("%s [%s] %s\n", entry.Time.Format("2006-01-02T15:04:05.000Z07:00"),
		strings.ToUpper(entry.Level.String()), entry.Message)
	_, err := h.file.Write([]byte(line))
	return err
}
