package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"mendloop/internal/artifacts"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

// watchCmd follows artifact production in a task directory
var watchCmd = &cobra.Command{
	Use:   "watch [task-dir]",
	Short: "Follow artifact production in a running attempt's task directory",
	Long: `Watches one task directory and prints a line as each artifact
settles: candidate diffs as they are staged, execution snapshots, session
state saves, result stream rewrites, and the experience log on acceptance.
Rapid successive writes to the same file collapse into one line.

Press Ctrl-C to stop.

Example:
  mend watch .mend/runs/astropy-12907`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	dir := args[0]
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("task dir %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("task dir %s is not a directory", dir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Printf("watching %s\n", dir)

	// Debounce: a file only prints once its writes have settled.
	const settle = 500 * time.Millisecond
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			pending[event.Name] = time.Now()

		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watch error: %v\n", werr)

		case now := <-ticker.C:
			for path, last := range pending {
				if now.Sub(last) < settle {
					continue
				}
				delete(pending, path)
				fmt.Println(describeArtifact(path))
			}
		}
	}
}

// describeArtifact renders one settled file as a timestamped line, with a
// tail for the files whose shape is known.
func describeArtifact(path string) string {
	stamp := time.Now().Format("15:04:05")
	name := filepath.Base(path)

	switch {
	case name == artifacts.ResultFile:
		if records, err := artifacts.ReadResults(filepath.Dir(path)); err == nil {
			return fmt.Sprintf("%s  result stream rewritten: %d candidates", stamp, len(records))
		}
	case strings.HasPrefix(name, "extracted_") && strings.HasSuffix(name, ".diff"):
		return fmt.Sprintf("%s  candidate staged: %s", stamp, name)
	case strings.HasPrefix(name, "execution_") && strings.HasSuffix(name, ".json"):
		return fmt.Sprintf("%s  execution snapshot: %s", stamp, name)
	case strings.HasSuffix(name, "_experiences.jsonl"):
		return fmt.Sprintf("%s  experience log written: %s", stamp, name)
	case strings.HasSuffix(name, "_session.json"):
		return fmt.Sprintf("%s  session state saved: %s", stamp, name)
	}
	return fmt.Sprintf("%s  %s", stamp, name)
}
