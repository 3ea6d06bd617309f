package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/marmos91/odc/internal/logger"
)

// RestorePartition is one partition/session pair in the restore file.
type RestorePartition struct {
	PartitionID  string `json:"partition"`
	DDSSessionID string `json:"session"`
}

// RestoreData is the restore file content.
type RestoreData struct {
	Partitions []RestorePartition `json:"partitions"`
}

// restoreFilePath resolves the restore file location for an ID.
func restoreFilePath(id, dir string) (string, error) {
	if dir == "" {
		home, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("cannot resolve restore directory: %w", err)
		}
		dir = filepath.Join(home, "odc")
	}
	return filepath.Join(dir, fmt.Sprintf("odc_session_restore_%s.json", id)), nil
}

// readRestoreFile loads the restore data for an ID.
func readRestoreFile(id, dir string) (RestoreData, error) {
	var data RestoreData
	path, err := restoreFilePath(id, dir)
	if err != nil {
		return data, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return data, fmt.Errorf("reading restore file: %w", err)
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return data, fmt.Errorf("parsing restore file %q: %w", path, err)
	}
	return data, nil
}

// writeRestoreFile persists the restore data for an ID.
func writeRestoreFile(id, dir string, data RestoreData) error {
	path, err := restoreFilePath(id, dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating restore directory: %w", err)
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return fmt.Errorf("writing restore file: %w", err)
	}
	return nil
}

// updateRestore rewrites the restore file from the currently running
// sessions. Writing is serialised by the session-map mutex so parallel
// requests cannot corrupt the file.
func (c *Controller) updateRestore() {
	if c.cfg.RestoreID == "" {
		return
	}

	var data RestoreData

	c.mu.Lock()
	for _, session := range c.sessions {
		if session.DDS.IsRunning() {
			data.Partitions = append(data.Partitions, RestorePartition{
				PartitionID:  session.PartitionID,
				DDSSessionID: session.DDS.ID(),
			})
		}
	}
	err := writeRestoreFile(c.cfg.RestoreID, c.cfg.RestoreDir, data)
	c.mu.Unlock()

	if err != nil {
		logger.Error("failed to update restore file", "restoreId", c.cfg.RestoreID, "error", err)
	}
}

// updateHistory appends a created session to the history store, when one
// is configured.
func (c *Controller) updateHistory(session *Session, sessionID string) {
	if c.history == nil {
		return
	}
	session.Log().Info("updating session history", logger.KeySession, sessionID)
	if err := c.history.Append(session.PartitionID, sessionID); err != nil {
		session.Log().Error("failed to update session history", "error", err)
	}
}

// Restore re-attaches to the sessions recorded under the configured
// restore ID. Partitions are restored concurrently; each attach is
// retried with exponential backoff within the controller's default
// timeout. Failures are logged, never fatal.
func (c *Controller) Restore() {
	if c.cfg.RestoreID == "" {
		return
	}

	logger.Info("restoring sessions", "restoreId", c.cfg.RestoreID)
	data, err := readRestoreFile(c.cfg.RestoreID, c.cfg.RestoreDir)
	if err != nil {
		logger.Error("failed to read restore file", "restoreId", c.cfg.RestoreID, "error", err)
		return
	}

	var g errgroup.Group
	for _, p := range data.Partitions {
		g.Go(func() error {
			log := logger.With(logger.KeyPartition, p.PartitionID, logger.KeySession, p.DDSSessionID)
			log.Info("restoring partition")

			attach := func() (struct{}, error) {
				result := c.Initialize(
					CommonParams{PartitionID: p.PartitionID},
					InitializeParams{DDSSessionID: p.DDSSessionID})
				if result.Error != nil {
					return struct{}{}, fmt.Errorf("%s", result.Error.Details)
				}
				return struct{}{}, nil
			}

			_, aerr := backoff.Retry(context.Background(), attach,
				backoff.WithBackOff(backoff.NewExponentialBackOff()),
				backoff.WithMaxElapsedTime(c.cfg.DefaultTimeout))
			if aerr != nil {
				log.Info("failed to attach to the session", "error", aerr)
			} else {
				log.Info("successfully attached to the session")
			}
			return nil
		})
	}
	_ = g.Wait()
}
