// Package config loads the single key/value configuration file spec.md
// §5 describes (thread count, harbor id, profile flag, and friends) and
// exposes it as a typed Config plus the raw key/value map Config.Raw, which
// skynetd copies into the runtime's internal/env store so modules can still
// read arbitrary keys at runtime. Grounded on the teacher's
// afero-based filesystem abstraction (used throughout mount/ and sysio/ to
// make host-path access swappable in tests) applied here to the config
// file itself, so tests never touch the real filesystem.
package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/opencore-labs/skynet-go/internal/errs"
)

// Config is the parsed, typed view of the recognized keys in spec.md §5.
type Config struct {
	Thread  int
	Harbor  uint8
	Profile bool
	Raw     map[string]string
}

const (
	defaultThread = 8
	defaultHarbor = 0
)

// Load reads and parses path from fs, expanding $VAR and ${VAR} references
// against the process environment (os.Expand), matching the original
// bootstrap's config semantics minus its embedded scripting layer.
func Load(fs afero.Fs, path string) (*Config, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errs.New(errs.Config, "open config %s: %v", path, err)
	}
	defer f.Close()

	raw := make(map[string]string)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, val, ok := splitKV(line)
		if !ok {
			return nil, errs.New(errs.Config, "%s:%d: malformed line %q", path, lineNo, line)
		}

		raw[key] = os.Expand(val, os.Getenv)
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.New(errs.Config, "read config %s: %v", path, err)
	}

	return fromRaw(raw)
}

func splitKV(line string) (key, val string, ok bool) {
	idx := strings.IndexByte(line, '=')
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

func fromRaw(raw map[string]string) (*Config, error) {
	c := &Config{Thread: defaultThread, Harbor: defaultHarbor, Raw: raw}

	if v, ok := raw["thread"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errs.New(errs.Config, "thread: not an integer: %q", v)
		}
		c.Thread = n
	}

	if v, ok := raw["harbor"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 255 {
			return nil, errs.New(errs.Config, "harbor: must be 0-255: %q", v)
		}
		c.Harbor = uint8(n)
	}

	if v, ok := raw["profile"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errs.New(errs.Config, "profile: not a bool: %q", v)
		}
		c.Profile = b
	}

	return c, nil
}
