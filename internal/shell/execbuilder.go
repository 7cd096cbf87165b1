package shell

import (
	"github.com/sirupsen/logrus"
)

const (
	// DefaultErrorStderrLines is the number of trailing stderr lines included
	// in a command failure error message.
	DefaultErrorStderrLines = 3
)

// ExecBuilder configures a single subprocess invocation.
type ExecBuilder struct {
	program          string
	args             []string
	stdin            string
	env              []string
	stdoutLevel      logrus.Level
	stderrLevel      logrus.Level
	stdoutCallback   func(string)
	errorStderrLines int
}

func NewExecBuilder(program string, args ...string) *ExecBuilder {
	return &ExecBuilder{
		program:          program,
		args:             args,
		stdoutLevel:      logrus.DebugLevel,
		stderrLevel:      logrus.WarnLevel,
		errorStderrLines: DefaultErrorStderrLines,
	}
}

// Stdin provides the string the process will receive on stdin.
func (b *ExecBuilder) Stdin(stdin string) *ExecBuilder {
	b.stdin = stdin
	return b
}

// EnvironmentVariables appends "KEY=VALUE" entries to the process's
// environment, on top of the current process's environment.
func (b *ExecBuilder) EnvironmentVariables(env []string) *ExecBuilder {
	b.env = env
	return b
}

// LogLevel sets the log levels used to mirror the process's stdout and
// stderr streams.
func (b *ExecBuilder) LogLevel(stdoutLevel logrus.Level, stderrLevel logrus.Level) *ExecBuilder {
	b.stdoutLevel = stdoutLevel
	b.stderrLevel = stderrLevel
	return b
}

// StdoutCallback registers a callback invoked for every stdout line.
func (b *ExecBuilder) StdoutCallback(callback func(line string)) *ExecBuilder {
	b.stdoutCallback = callback
	return b
}

// ErrorStderrLines sets how many trailing stderr lines are included in the
// error message when the process fails.
func (b *ExecBuilder) ErrorStderrLines(lines int) *ExecBuilder {
	b.errorStderrLines = lines
	return b
}

// Execute runs the process, discarding captured output.
func (b *ExecBuilder) Execute() error {
	_, _, err := b.ExecuteCaptureOutput()
	return err
}

// ExecuteCaptureOutput runs the process and returns its stdout and stderr.
func (b *ExecBuilder) ExecuteCaptureOutput() (stdout string, stderr string, err error) {
	return run(b.program, b.args, b.stdin, b.env, b.stdoutLevel, b.stderrLevel, b.stdoutCallback,
		b.errorStderrLines)
}
