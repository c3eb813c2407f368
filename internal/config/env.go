package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/subosito/gotenv"

	"github.com/bryanwahyu/ecranner/internal/domain/scans"
)

// DefaultEnvFile is read from the working directory when present.
const DefaultEnvFile = ".env"

// ErrEnvFileNotFound is returned when an explicitly named env file is missing.
var ErrEnvFileNotFound = errors.New("env file not found")

// ReadEnvFile parses a KEY=VALUE file. Blank lines and # comments are
// skipped, a key containing whitespace is an error and a duplicated key keeps
// its last value.
func ReadEnvFile(path string) (map[string]string, error) {
	if !strings.HasPrefix(filepath.Base(path), ".") {
		logrus.Warnf("env file %q should be a hidden file", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &scans.ConfigError{Field: path, Err: ErrEnvFileNotFound}
		}
		return nil, &scans.ConfigError{Field: path, Err: err}
	}

	seen := map[string]bool{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, _, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimPrefix(key, "export ")
		if strings.ContainsAny(strings.TrimSpace(key), " \t") {
			return nil, &scans.ConfigError{Field: path, Err: fmt.Errorf("line %d: variable name %q can not contain whitespace", n, key)}
		}
		if seen[key] {
			logrus.Warnf("duplicate environment variable %q in %s", key, path)
		}
		seen[key] = true
	}

	env, err := gotenv.StrictParse(bytes.NewReader(data))
	if err != nil {
		return nil, &scans.ConfigError{Field: path, Err: err}
	}
	logrus.Debugf("loaded %d environment variables from %s", len(env), path)
	return env, nil
}

// ApplyEnv exports env into the process environment. Existing variables are
// kept unless override is set. It returns how many variables were set.
func ApplyEnv(env map[string]string, override bool) int {
	set := 0
	for k, v := range env {
		if _, exists := os.LookupEnv(k); exists && !override {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			logrus.Warnf("could not set %s: %v", k, err)
			continue
		}
		set++
	}
	return set
}

// LoadEnv reads and applies an env file. An empty path means DefaultEnvFile,
// which is optional; an explicit path must exist.
func LoadEnv(path string) error {
	explicit := path != ""
	if !explicit {
		path = DefaultEnvFile
	}
	env, err := ReadEnvFile(path)
	if err != nil {
		if !explicit && errors.Is(err, ErrEnvFileNotFound) {
			return nil
		}
		return err
	}
	ApplyEnv(env, false)
	return nil
}
