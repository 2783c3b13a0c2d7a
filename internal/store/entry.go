package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

const (
	artifactName = "artifact"
	sidecarName  = "entry.json"
)

// entryMeta is the durable completion marker written next to an artifact.
// Its presence is what makes an entry Ready; an artifact without a sidecar
// is an interrupted build and is purged on recovery.
type entryMeta struct {
	Fingerprint string    `json:"fingerprint"`
	SourcePath  string    `json:"sourcePath"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType"`
	CreatedAt   time.Time `json:"createdAt"`
}

// writeSidecar persists meta durably: write to a temp file, fsync, rename.
// The rename is the commit point; a crash before it leaves no sidecar and
// the entry stays unready.
func writeSidecar(dir string, meta entryMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".entry-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, filepath.Join(dir, sidecarName)); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// readSidecar loads the completion marker for an entry directory, or
// os.ErrNotExist when the entry never committed.
func readSidecar(dir string) (entryMeta, error) {
	var meta entryMeta
	data, err := os.ReadFile(filepath.Join(dir, sidecarName))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, err
	}
	return meta, nil
}
