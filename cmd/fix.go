package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cloud-scan/cloudscan-lens/internal/fix"
	"github.com/cloud-scan/cloudscan-lens/internal/publish"
	"github.com/cloud-scan/cloudscan-lens/internal/service"
)

var fixCmd = &cobra.Command{
	Use:   "fix [flags] <file> --line N",
	Short: "Show or apply the quick fix for a finding",
	Long: `Fix scans the file, picks the first finding on the given line that a fix
rule covers and prints the patch. With --write the patch is applied to the
file in place.`,
	Args: cobra.ExactArgs(1),
	RunE: runFix,
}

func init() {
	fixCmd.Flags().Int("line", 0, "1-based line of the finding to fix")
	fixCmd.Flags().Bool("write", false, "apply the fix to the file")
	_ = fixCmd.MarkFlagRequired("line")
}

func runFix(cmd *cobra.Command, args []string) error {
	line, err := cmd.Flags().GetInt("line")
	if err != nil {
		return err
	}
	if line < 1 {
		return fmt.Errorf("--line must be at least 1")
	}
	write, err := cmd.Flags().GetBool("write")
	if err != nil {
		return err
	}

	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	svc, err := service.Build(ctx, cfg, publish.Nop)
	if err != nil {
		return err
	}
	defer svc.Shutdown(context.Background())

	res, err := svc.OnFileChanged(ctx, path, path, "")
	if err != nil {
		return err
	}
	candidates := res.OnLine(line - 1)
	if len(candidates) == 0 {
		return fmt.Errorf("no findings on line %d of %s", line, args[0])
	}

	lines, err := service.ReadLines(path)
	if err != nil {
		return err
	}

	for _, f := range candidates {
		sug, err := svc.OnApplyFixRequested(ctx, path, f.Ref(), lines)
		if errors.Is(err, fix.ErrNotApplicable) {
			continue
		}
		if err != nil {
			return err
		}

		fixed, err := fix.Apply(lines, sug)
		if err != nil {
			return err
		}
		printSuggestion(cmd.OutOrStdout(), sug, lines)
		if !write {
			return nil
		}
		if err := writeFileAtomic(path, strings.Join(fixed, "\n")); err != nil {
			return fmt.Errorf("failed to write fix: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.GreenString("fixed"), args[0])
		return nil
	}
	return fmt.Errorf("no fix available for the findings on line %d", line)
}

func printSuggestion(w io.Writer, s *fix.Suggestion, lines []string) {
	fmt.Fprintf(w, "%s %s\n", color.New(color.Bold).Sprint(s.Title), color.New(color.Faint).Sprintf("(%s)", s.RuleID))
	fmt.Fprintf(w, "  for %s\n", s.Finding)
	for _, e := range s.Edits {
		fmt.Fprintf(w, "@@ line %d @@\n", e.Line+1)
		if e.OldText == "" {
			for _, l := range strings.Split(strings.TrimSuffix(e.NewText, "\n"), "\n") {
				if l != "" {
					fmt.Fprintln(w, color.GreenString("+%s", l))
				}
			}
			continue
		}
		old := lines[e.Line]
		fmt.Fprintln(w, color.RedString("-%s", old))
		fmt.Fprintln(w, color.GreenString("+%s", old[:e.StartCol]+e.NewText+old[e.EndCol:]))
	}
}

// writeFileAtomic replaces path with data through a temporary file in the
// same directory, keeping the file mode
func writeFileAtomic(path, data string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
