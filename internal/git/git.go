package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Clone performs a shallow, single-branch clone of repoURL into dest. A
// non-empty ref pins the checkout to that branch or tag; otherwise the
// remote's default branch is used.
func Clone(ctx context.Context, repoURL, ref, dest string) error {
	if strings.TrimSpace(repoURL) == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	if strings.TrimSpace(dest) == "" {
		return fmt.Errorf("destination cannot be empty")
	}
	args := []string{"clone", "--depth", "1", "--single-branch"}
	if r := strings.TrimSpace(ref); r != "" {
		args = append(args, "--branch", r)
	}
	args = append(args, repoURL, ".")

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dest
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git clone failed: %w: %s", err, string(output))
	}
	return nil
}
