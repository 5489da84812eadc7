// ABOUTME: Loads environment variables from .env files before configuration is read.
// ABOUTME: Variables already present in the environment always win (no clobber).
package main

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389-research/prowzi/config"
)

// envPair is one KEY=VALUE assignment from a .env file.
type envPair struct {
	Key   string
	Value string
}

// parseDotEnv reads KEY=VALUE, KEY="VALUE", KEY='VALUE', and
// export KEY=VALUE lines. Blank lines, comments, and lines without '='
// are skipped.
func parseDotEnv(r io.Reader) ([]envPair, error) {
	var pairs []envPair
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		// Values can contain '='.
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		pairs = append(pairs, envPair{Key: key, Value: unquote(strings.TrimSpace(value))})
	}
	return pairs, scanner.Err()
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

// loadDotEnv sets the variables in path that are not already in the
// environment and returns how many it set. A missing file sets nothing.
func loadDotEnv(path string) (int, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	pairs, err := parseDotEnv(f)
	if err != nil {
		return 0, err
	}
	set := 0
	for _, p := range pairs {
		if _, exists := os.LookupEnv(p.Key); exists {
			continue
		}
		if err := os.Setenv(p.Key, p.Value); err != nil {
			return set, err
		}
		set++
	}
	return set, nil
}

// dotEnvCandidates lists .env files in load order: the working directory
// and its parents, then the prowzi config directory. Earlier files win
// because later ones never clobber.
func dotEnvCandidates() []string {
	seen := map[string]bool{}
	var paths []string
	add := func(p string) {
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		paths = append(paths, p)
	}

	if wd, err := os.Getwd(); err == nil {
		dir := wd
		for {
			add(filepath.Join(dir, ".env"))
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	if dir, err := config.DefaultConfigDir(); err == nil {
		add(filepath.Join(dir, ".env"))
	}
	return paths
}

// loadDotEnvAuto loads every candidate .env file. Unreadable files are
// reported to warn and skipped.
func loadDotEnvAuto(warn io.Writer) {
	for _, p := range dotEnvCandidates() {
		if _, err := loadDotEnv(p); err != nil {
			fmtWarning(warn, "could not load %s: %v", p, err)
		}
	}
}
