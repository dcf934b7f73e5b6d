package gitflow

import (
	"fmt"
	"strings"
)

// ConflictPrompt builds the message sent to an agent session asked to
// resolve the conflicts left by op. It names exactly files.
func ConflictPrompt(op Op, branch, base string, files []string) string {
	var sb strings.Builder

	sb.WriteString("# Resolve merge conflicts\n\n")
	switch op {
	case OpMerge:
		fmt.Fprintf(&sb, "Merging `%s` into `%s` is blocked by conflicts. ", branch, base)
		fmt.Fprintf(&sb, "`%s` has been merged into this branch to surface them here.\n\n", base)
	default:
		fmt.Fprintf(&sb, "Updating `%s` from `%s` stopped on conflicts.\n\n", branch, base)
	}

	fmt.Fprintf(&sb, "The following %d file(s) contain conflict markers:\n\n", len(files))
	for _, f := range files {
		fmt.Fprintf(&sb, "- %s\n", f)
	}

	sb.WriteString("\n## Your Tasks\n\n")
	sb.WriteString("1. Resolve the conflict markers in each file listed above\n")
	sb.WriteString("2. Keep the intent of both sides; prefer the more robust change when they disagree\n")
	sb.WriteString("3. Run the project's build and tests\n")
	sb.WriteString("4. Stage the files and conclude the merge with `git commit --no-edit`\n\n")
	sb.WriteString("Do not abort the merge and do not modify files outside this list unless the build requires it.\n")

	return sb.String()
}
