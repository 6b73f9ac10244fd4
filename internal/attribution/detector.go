// Package attribution picks the source recorded on facts submitted from a
// terminal.
package attribution

import (
	"os"
	"os/exec"
	"strings"
	"sync"
)

var (
	cachedSource string
	once         sync.Once
)

// DetectSource returns the source name for locally submitted facts.
// Checks in order: CONCLAVE_SOURCE env, CONCLAVE_USER env, git config
// user.name, and falls back to "cli". User names are recorded as
// "cli:<name>". The result is cached after the first call.
func DetectSource() string {
	once.Do(func() {
		cachedSource = detectSourceUncached()
	})
	return cachedSource
}

// detectSourceUncached performs detection without caching. Used for testing.
func detectSourceUncached() string {
	if src := strings.TrimSpace(os.Getenv("CONCLAVE_SOURCE")); src != "" {
		return src
	}
	if name := strings.TrimSpace(os.Getenv("CONCLAVE_USER")); name != "" {
		return "cli:" + name
	}
	if name := gitUserName(); name != "" {
		return "cli:" + name
	}
	return "cli"
}

// gitUserName runs `git config --get user.name` and returns the trimmed result.
// Returns empty string on any error.
func gitUserName() string {
	out, err := exec.Command("git", "config", "--get", "user.name").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
