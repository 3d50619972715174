package checkpoints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// File names inside a run directory.
const (
	ArgsFile = "args.json"
)

// LatestName returns the per-epoch checkpoint file name for format.
func LatestName(format CheckpointFormat) string {
	return "checkpoint" + format.Extension()
}

// BestName returns the best-model file name for format.
func BestName(format CheckpointFormat) string {
	return "model_best" + format.Extension()
}

// CopyFile duplicates a fully written checkpoint into dst with the same
// atomic replace as SaveCheckpoint.
func CopyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	if err := writeFileAtomicDurable(dst, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	return nil
}

// SaveArgs writes the resolved run configuration to dir/args.json.
func SaveArgs(dir string, args any) error {
	data, err := json.MarshalIndent(args, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run arguments: %w", err)
	}
	return writeFileAtomicDurable(filepath.Join(dir, ArgsFile), append(data, '\n'), 0o644)
}

// LoadArgs decodes dir/args.json into out.
func LoadArgs(dir string, out any) error {
	data, err := os.ReadFile(filepath.Join(dir, ArgsFile))
	if err != nil {
		return fmt.Errorf("failed to read run arguments: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode run arguments: %w", err)
	}
	return nil
}

// writeFileAtomicDurable writes to a temp file in the target directory,
// syncs it, renames it over path and syncs the directory.
func writeFileAtomicDurable(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
