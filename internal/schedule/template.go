package schedule

import (
	"os"
	"path/filepath"
)

// templateTable is written when the configured table file does not exist, so
// the operator has a header with recognized column names to start from.
const templateTable = `Date;Platform;Account;Activity;Media Path;Description
2030-01-01 09:00;instagram;myaccount;publish;/path/to/clip.mp4;Example row, edit or delete
`

// EnsureTable writes a template table at path when no file exists there.
// It reports whether the template was written.
func EnsureTable(path string) (created bool, err error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	if err := os.WriteFile(path, []byte(templateTable), 0o644); err != nil {
		return false, err
	}
	return true, nil
}
