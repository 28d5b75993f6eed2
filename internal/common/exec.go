package common

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// ExternalToolError is returned when an external tool exits with a non-zero
// status. The exit code and the tool's stderr are preserved, because that is
// usually the only clue the tool leaves behind.
type ExternalToolError struct {
	Tool     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExternalToolError) Error() string {
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		return fmt.Sprintf("%s failed with exit code %d: %s", e.Tool, e.ExitCode, stderr)
	}
	return fmt.Sprintf("running %s failed: %v", e.Tool, e.Err)
}

func (e *ExternalToolError) Unwrap() error {
	return e.Err
}

// RunTool runs an external command, feeding it stdin when non-nil, and
// returns its stdout. A non-zero exit is reported as *ExternalToolError
// carrying the captured stderr.
func RunTool(name string, args []string, stdin io.Reader) ([]byte, error) {
	var stdout bytes.Buffer
	if err := RunToolStream(name, args, stdin, &stdout); err != nil {
		return nil, err
	}
	return stdout.Bytes(), nil
}

// RunToolStream is RunTool for tools producing bulk data: stdout goes
// to the given writer instead of being buffered in memory.
func RunToolStream(name string, args []string, stdin io.Reader, stdout io.Writer) error {
	cmd := exec.Command(name, args...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			exitCode = exitError.ExitCode()
		}
		return &ExternalToolError{
			Tool:     name,
			ExitCode: exitCode,
			Stderr:   stderr.String(),
			Err:      err,
		}
	}

	return nil
}
