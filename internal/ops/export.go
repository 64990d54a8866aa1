package ops

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kettleops/usersweep/internal/api"
	"github.com/kettleops/usersweep/internal/checkpoint"
	"github.com/kettleops/usersweep/internal/engine/batch"
)

// exportHeader is the column layout of the last-login export artifact.
var exportHeader = []string{"user_id", "email", "connection", "last_login", "blocked"}

// ExportLastLoginOperation writes each user's last-login timestamp to a
// CSV artifact. The operation appends to the output file as items are
// processed, so an interrupted run keeps the rows already exported and a
// resumed run continues the same file.
type ExportLastLoginOperation struct {
	client *api.Client
	path   string

	file   *os.File
	writer *csv.Writer
}

// NewExportLastLoginOperation creates the export operation. The output
// path is mandatory; without it the checkpoint would be unusable.
func NewExportLastLoginOperation(client *api.Client, outputFile string) (*ExportLastLoginOperation, error) {
	if outputFile == "" {
		return nil, checkpoint.ErrMissingOutput
	}
	return &ExportLastLoginOperation{client: client, path: outputFile}, nil
}

func (o *ExportLastLoginOperation) Name() string { return "export last login" }
func (o *ExportLastLoginOperation) Type() checkpoint.OperationType {
	return checkpoint.OpExportLastLogin
}
func (o *ExportLastLoginOperation) ValidateItem(id string) error { return validateIdentifier(id) }

// ProcessItem resolves the identifier and appends one export row.
func (o *ExportLastLoginOperation) ProcessItem(ctx context.Context, id string) (batch.Result, error) {
	user, err := resolve(ctx, o.client, id)
	if err != nil {
		if result, ok := classify(err); ok {
			return result, nil
		}
		return batch.Result{}, err
	}

	if err := o.writeRow(user); err != nil {
		return batch.Result{}, err
	}
	return batch.Result{Disposition: batch.DispositionProcessed}, nil
}

// Finish flushes and closes the output artifact. Called once by the
// engine after the run loop ends.
func (o *ExportLastLoginOperation) Finish() error {
	if o.writer == nil {
		return nil
	}
	o.writer.Flush()
	flushErr := o.writer.Error()
	closeErr := o.file.Close()
	o.writer = nil
	o.file = nil
	return errors.Join(flushErr, closeErr)
}

// writeRow lazily opens the artifact and appends one row. The header is
// written only when the file starts empty, so resumed runs do not repeat
// it.
func (o *ExportLastLoginOperation) writeRow(user *api.User) error {
	if o.writer == nil {
		file, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("opening output file %s: %w", o.path, err)
		}
		info, err := file.Stat()
		if err != nil {
			file.Close()
			return fmt.Errorf("inspecting output file %s: %w", o.path, err)
		}
		o.file = file
		o.writer = csv.NewWriter(file)
		if info.Size() == 0 {
			if err := o.writer.Write(exportHeader); err != nil {
				return fmt.Errorf("writing export header: %w", err)
			}
		}
	}

	lastLogin := ""
	if user.LastLogin != nil {
		lastLogin = user.LastLogin.Format(time.RFC3339)
	}
	record := []string{user.ID, user.Email, user.Connection, lastLogin, fmt.Sprintf("%t", user.Blocked)}
	if err := o.writer.Write(record); err != nil {
		return fmt.Errorf("writing export row for %s: %w", user.ID, err)
	}
	o.writer.Flush()
	return o.writer.Error()
}
