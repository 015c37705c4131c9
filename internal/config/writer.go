package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"lxmf_group/internal/utils/fsutil"
)

var sectionHeader = regexp.MustCompile(`^\s*\[([^\]]+)\]`)

// Writer rewrites single keys in place in config.cfg and config.cfg.owr,
// keeping comments and layout. A key that is commented out is enabled.
type Writer struct {
	path     string
	override string

	mu sync.Mutex
}

func NewWriter(dir string) *Writer {
	return &Writer{path: Path(dir), override: OverridePath(dir)}
}

// Set updates key in section in every config file that defines it. Files
// are rewritten atomically; a file without the key is left untouched.
func (w *Writer) Set(section, key, value string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error
	for _, path := range []string{w.override, w.path} {
		if err := setKey(path, section, key, value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}

func setKey(path, section, key, value string) error {
	data, err := fsutil.ReadFile(path)
	if err != nil || data == nil {
		return err
	}

	keyLine := regexp.MustCompile(`^#?\s*` + regexp.QuoteMeta(key) + `\s*=`)
	lines := strings.Split(string(data), "\n")
	current := ""
	changed := false
	for i, line := range lines {
		if m := sectionHeader.FindStringSubmatch(line); m != nil {
			current = strings.TrimSpace(m[1])
			continue
		}
		if !strings.EqualFold(current, section) || !keyLine.MatchString(line) {
			continue
		}
		lines[i] = key + " = " + value
		changed = true
		break
	}
	if !changed {
		return nil
	}
	return fsutil.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644)
}
