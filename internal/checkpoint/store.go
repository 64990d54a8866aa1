package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// File naming for the one-file-per-checkpoint layout.
const (
	fileExtension   = ".json"
	backupExtension = ".json.backup"
)

// Path returns the file path for a checkpoint id.
func (m *Manager) Path(id string) string {
	return filepath.Join(m.dir, id+fileExtension)
}

// backupPath returns the backup sibling for a checkpoint id.
func (m *Manager) backupPath(id string) string {
	return filepath.Join(m.dir, id+backupExtension)
}

// Save persists a checkpoint, stamping UpdatedAt first.
//
// If a file already exists at the target it is copied to the .backup
// sibling before the write; backup failure is logged but never blocks the
// write. If the write itself fails, the backup is restored over the target
// so a crash never leaves a half-written file as the sole copy.
func (m *Manager) Save(cp *Checkpoint) error {
	cp.UpdatedAt = m.now()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding %s: %w", ErrPersistence, cp.ID, err)
	}

	path := m.Path(cp.ID)
	backup := m.backupPath(cp.ID)

	hadBackup := false
	if _, statErr := os.Stat(path); statErr == nil {
		if copyErr := copyFile(path, backup); copyErr != nil {
			m.log.Warn().
				Str("checkpoint_id", cp.ID).
				Err(copyErr).
				Msg("could not back up checkpoint before overwrite")
		} else {
			hadBackup = true
		}
	}

	if writeErr := os.WriteFile(path, data, 0o600); writeErr != nil {
		if hadBackup {
			if restoreErr := copyFile(backup, path); restoreErr != nil {
				m.log.Error().
					Str("checkpoint_id", cp.ID).
					Err(restoreErr).
					Msg("could not restore checkpoint backup after failed write")
			}
		}
		return fmt.Errorf("%w: writing %s: %w", ErrPersistence, cp.ID, writeErr)
	}

	m.log.Debug().
		Str("checkpoint_id", cp.ID).
		Str("status", string(cp.Status)).
		Msg("checkpoint saved")
	return nil
}

// Load reads and decodes a checkpoint by id. It returns ErrNotFound for a
// missing file and ErrMalformed for content that fails to decode.
func (m *Manager) Load(id string) (*Checkpoint, error) {
	data, err := os.ReadFile(m.Path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: reading %s: %w", ErrPersistence, id, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		if errors.Is(err, ErrMalformed) {
			return nil, fmt.Errorf("%s: %w", id, err)
		}
		return nil, fmt.Errorf("%s: %w: %w", id, ErrMalformed, err)
	}

	return &cp, nil
}

// Delete removes a checkpoint file and its backup. It is idempotent: a
// missing checkpoint returns false with no error.
func (m *Manager) Delete(id string) (bool, error) {
	err := os.Remove(m.Path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: deleting %s: %w", ErrPersistence, id, err)
	}

	if backupErr := os.Remove(m.backupPath(id)); backupErr != nil && !os.IsNotExist(backupErr) {
		m.log.Warn().
			Str("checkpoint_id", id).
			Err(backupErr).
			Msg("could not remove checkpoint backup")
	}

	m.log.Debug().Str("checkpoint_id", id).Msg("checkpoint deleted")
	return true, nil
}

// ids returns the checkpoint ids present in the store directory, skipping
// backup siblings.
func (m *Manager) ids() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: reading checkpoint directory: %w", ErrPersistence, err)
	}

	var out []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasSuffix(name, backupExtension) {
			continue
		}
		if !strings.HasSuffix(name, fileExtension) {
			continue
		}
		out = append(out, strings.TrimSuffix(name, fileExtension))
	}
	return out, nil
}

// copyFile copies src over dst, creating or truncating dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
