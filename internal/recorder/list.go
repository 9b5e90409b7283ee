package recorder

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// LogInfo is one listed log file.
type LogInfo struct {
	Path   string
	Format Format
	Size   int64
}

// ListLogs walks dir for eval logs (*.eval, *.json), honoring .gitignore
// patterns and skipping hidden files. Results are sorted by path.
func ListLogs(dir string) ([]LogInfo, error) {
	var matcher gitignore.IgnoreParser
	if lines, err := readIgnoreLines(filepath.Join(dir, ".gitignore")); err == nil {
		matcher = gitignore.CompileIgnoreLines(lines...)
	}

	var logs []LogInfo
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") && path != dir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(name, ".eval") && !strings.HasSuffix(name, ".json") {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if matcher != nil && matcher.MatchesPath(rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		logs = append(logs, LogInfo{Path: path, Format: DetectFormat(path), Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list logs in %s: %w", dir, err)
	}

	sort.Slice(logs, func(i, j int) bool { return logs[i].Path < logs[j].Path })
	return logs, nil
}

func readIgnoreLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}
