// Package shell runs external tools as checked subprocesses. All of the
// partitioning, filesystem, and packaging collaborators are invoked through
// this package so that their output is logged and their exit codes checked
// in one place.
package shell

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mendersoftware/mender-conversion-tools/internal/logger"
)

// Execute runs the program and returns its captured stdout and stderr.
func Execute(program string, args ...string) (stdout string, stderr string, err error) {
	return NewExecBuilder(program, args...).
		LogLevel(logrus.TraceLevel, logrus.TraceLevel).
		ExecuteCaptureOutput()
}

// ExecuteLive runs the program, streaming its output to the log as it runs.
// If squashErrors is set, stderr is logged at debug level instead of warn
// level; useful for tools that write progress chatter to stderr.
func ExecuteLive(squashErrors bool, program string, args ...string) error {
	stderrLevel := logrus.WarnLevel
	if squashErrors {
		stderrLevel = logrus.DebugLevel
	}

	return NewExecBuilder(program, args...).
		LogLevel(logrus.DebugLevel, stderrLevel).
		Execute()
}

// ExecuteWithStdin runs the program with the provided string as its stdin.
func ExecuteWithStdin(stdin string, program string, args ...string) (stdout string, stderr string, err error) {
	return NewExecBuilder(program, args...).
		Stdin(stdin).
		LogLevel(logrus.TraceLevel, logrus.TraceLevel).
		ExecuteCaptureOutput()
}

func commandString(program string, args []string) string {
	return strings.Join(append([]string{program}, args...), " ")
}

func run(program string, args []string, stdin string, env []string, stdoutLevel logrus.Level,
	stderrLevel logrus.Level, stdoutCallback func(string), errorStderrLines int,
) (stdout string, stderr string, err error) {
	logger.Log.Debugf("Executing: %s", commandString(program, args))

	cmd := exec.Command(program, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	stdoutBuilder := strings.Builder{}
	stderrBuilder := strings.Builder{}
	cmd.Stdout = &logWriter{
		level:    stdoutLevel,
		capture:  &stdoutBuilder,
		callback: stdoutCallback,
	}
	cmd.Stderr = &logWriter{
		level:   stderrLevel,
		capture: &stderrBuilder,
	}

	err = cmd.Run()

	// Flush any trailing partial lines.
	cmd.Stdout.(*logWriter).flush()
	cmd.Stderr.(*logWriter).flush()

	stdout = stdoutBuilder.String()
	stderr = stderrBuilder.String()

	if err != nil {
		message := fmt.Sprintf("command (%s) failed", commandString(program, args))
		if errorStderrLines > 0 {
			tail := lastLines(stderr, errorStderrLines)
			if tail != "" {
				message = fmt.Sprintf("%s:\n%s", message, tail)
			}
		}
		return stdout, stderr, fmt.Errorf("%s:\n%w", message, err)
	}

	return stdout, stderr, nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// logWriter splits subprocess output into lines, captures them, and mirrors
// them to the log at the configured level.
type logWriter struct {
	level    logrus.Level
	capture  *strings.Builder
	callback func(string)
	partial  strings.Builder
}

func (w *logWriter) Write(p []byte) (int, error) {
	if w.capture != nil {
		w.capture.Write(p)
	}

	for _, b := range p {
		if b == '\n' {
			w.emit(w.partial.String())
			w.partial.Reset()
			continue
		}
		w.partial.WriteByte(b)
	}

	return len(p), nil
}

func (w *logWriter) flush() {
	if w.partial.Len() > 0 {
		w.emit(w.partial.String())
		w.partial.Reset()
	}
}

func (w *logWriter) emit(line string) {
	logger.Log.Log(w.level, line)
	if w.callback != nil {
		w.callback(line)
	}
}
