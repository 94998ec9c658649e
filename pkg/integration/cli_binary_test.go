package integration_test

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// buildBinary compiles pkg into a temp directory and returns the binary
// path. Build failure is a hard fatal (not a skip), so CI catches
// regressions immediately.
func buildBinary(t *testing.T, name string) string {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping CLI binary smoke tests in short mode")
	}

	root := integrationProjectRoot(t)
	binPath := filepath.Join(t.TempDir(), name)

	build := exec.Command("go", "build", "-o", binPath, "./cmd/"+name) //nolint:gosec // test-only, args are constant
	build.Dir = root
	out, err := build.CombinedOutput()
	if err != nil {
		t.Fatalf("go build ./cmd/%s failed: %v\n%s", name, err, out)
	}
	return binPath
}

// integrationProjectRoot walks up from the package directory to find go.mod.
func integrationProjectRoot(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find project root (go.mod)")
		}
		dir = parent
	}
}

// TestCorebusBinary_AllSubcommandsHelp verifies that every subcommand
// responds to --help with exit code 0 and non-empty stdout.
func TestCorebusBinary_AllSubcommandsHelp(t *testing.T) {
	binPath := buildBinary(t, "corebus")

	subcommands := [][]string{
		{"--help"},
		{"serve", "--help"},
		{"worker", "--help"},
		{"submit", "--help"},
		{"listen", "--help"},
		{"tasks", "--help"},
		{"publish", "--help"},
		{"events", "--help"},
		{"config", "--help"},
	}

	for _, args := range subcommands {
		name := strings.Join(args, " ")
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			out, err := exec.Command(binPath, args...).Output() //nolint:gosec // test-only
			if err != nil {
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					t.Fatalf("corebus %s exited non-zero (%d)\nstdout: %s\nstderr: %s",
						name, exitErr.ExitCode(), out, exitErr.Stderr)
				}
				t.Fatalf("corebus %s failed: %v", name, err)
			}
			if len(out) == 0 {
				t.Errorf("corebus %s: expected non-empty stdout, got empty", name)
			}
		})
	}
}

// TestCorebusBinary_ServerRequired verifies that client commands exit
// non-zero and explain the connection failure when nothing is listening.
func TestCorebusBinary_ServerRequired(t *testing.T) {
	binPath := buildBinary(t, "corebus")
	home := t.TempDir()

	for _, args := range [][]string{
		{"tasks"},
		{"submit", "tag"},
		{"publish", "deploy_started"},
	} {
		name := strings.Join(args, " ")
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			cmd := exec.Command(binPath, args...) //nolint:gosec // test-only
			cmd.Env = append(os.Environ(), "COREBUS_HOME="+home)
			combined, err := cmd.CombinedOutput()
			if err == nil {
				t.Fatalf("corebus %s: expected non-zero exit\noutput: %s", name, combined)
			}
			lower := strings.ToLower(string(combined))
			if !strings.Contains(lower, "sock") && !strings.Contains(lower, "connect") {
				t.Errorf("corebus %s: expected output to mention the socket\ngot: %s", name, combined)
			}
		})
	}
}

func TestCorebusDashBinary_Help(t *testing.T) {
	binPath := buildBinary(t, "corebus-dash")

	out, err := exec.Command(binPath, "--help").CombinedOutput() //nolint:gosec // test-only
	if err != nil {
		t.Fatalf("corebus-dash --help: %v\n%s", err, out)
	}
	if !strings.Contains(string(out), "corebus-dash") {
		t.Errorf("unexpected help output:\n%s", out)
	}
}
