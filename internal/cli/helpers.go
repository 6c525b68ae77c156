package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/bennyboer/kicherkrabbe-migrate/internal/render"
)

// ExitError carries the process exit code for a failed command
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitError returns an error that will cause the CLI to exit with the given code
func exitError(code int, err error) error {
	if err == nil {
		err = fmt.Errorf("exit status %d", code)
	}
	return &ExitError{Code: code, Err: err}
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// outputFormat resolves --json against the configured output format
func outputFormat(asJSON bool, configured string) (render.Format, error) {
	if asJSON {
		return render.FormatJSON, nil
	}
	return render.ParseFormat(configured)
}
