// Package tofutest provides a scripted stand-in for the tool binary.
package tofutest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const script = `#!/bin/sh
here=$(dirname "$0")
echo "$1 client=$TF_VAR_client_id service=$TF_VAR_service_id data=$TF_DATA_DIR args=$*" >> "$here/calls.log"
mode() { cat "$here/$1.mode" 2>/dev/null || echo ok; }
case "$1" in
init)
  case $(mode init) in
    fail) echo "Error: Failed to get existing workspaces" >&2; exit 1;;
    *) echo "OpenTofu has been successfully initialized!";;
  esac;;
plan)
  case $(mode plan) in
    drift) echo "Plan: 1 to add, 0 to change, 0 to destroy.";;
    fail) echo "Error: Invalid reference" >&2; exit 1;;
    hang) echo "Refreshing state..."; sleep 30;;
    slow) echo "Refreshing state..."; sleep 0.4; echo "No changes. Your infrastructure matches the configuration.";;
    prompt) printf "var.instance\n  Enter a value: "; read answer; echo "No changes. Your infrastructure matches the configuration.";;
    *) echo "No changes. Your infrastructure matches the configuration.";;
  esac;;
apply|destroy)
  case $(mode "$1") in
    fail) echo "Error: creating container" >&2; exit 2;;
    hang) echo "Still creating..."; sleep 30;;
    slow) for i in 1 2 3 4 5; do echo "Still creating... [${i}0s elapsed]"; sleep 0.1; done; echo "Apply complete! Resources: 1 added, 0 changed, 0 destroyed.";;
    *) echo "Apply complete! Resources: 1 added, 0 changed, 0 destroyed.";;
  esac;;
output)
  case $(mode output) in
    nostate) echo "Warning: No state file was found!" >&2; exit 1;;
    fail) echo "Error: boom" >&2; exit 1;;
    *) echo '{"ip":{"sensitive":false,"type":"string","value":"10.0.0.2"},"ports":{"value":[80,443]}}';;
  esac;;
esac
`

// Fake is a shell script that imitates the tool's subcommands. Behaviour per
// subcommand is switched by writing "<subcommand>.mode" next to the script.
type Fake struct {
	Dir  string
	Path string
}

func New(t testing.TB) *Fake {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tofu")
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write fake tool: %v", err)
	}
	return &Fake{Dir: dir, Path: path}
}

// SetMode switches the behaviour of a subcommand (plan, apply, destroy, init, output).
func (f *Fake) SetMode(t testing.TB, subcommand, mode string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(f.Dir, subcommand+".mode"), []byte(mode+"\n"), 0644); err != nil {
		t.Fatalf("write mode: %v", err)
	}
}

// Calls returns one line per invocation, oldest first.
func (f *Fake) Calls(t testing.TB) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.Dir, "calls.log"))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("read calls: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

// Count returns how many invocations started with subcommand.
func (f *Fake) Count(t testing.TB, subcommand string) int {
	n := 0
	for _, c := range f.Calls(t) {
		if strings.HasPrefix(c, subcommand+" ") {
			n++
		}
	}
	return n
}
