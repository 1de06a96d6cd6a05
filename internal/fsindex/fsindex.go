// Package fsindex builds the shallow home-layout snapshot that the agent
// ships in its handshake. The cloud side uses it to resolve user-relative
// names like "Desktop" without a round trip.
package fsindex

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/op15/bridge/internal/protocol"
)

// maxDepth bounds the scan below the home directory.
const maxDepth = 2

// conventionalDirs are probed in order; only existing directories are
// recorded in the index.
var conventionalDirs = []string{"Desktop", "Documents", "Downloads", "Projects", "Code"}

// Build scans home and returns a fresh index. The scan is best effort:
// unreadable subtrees are skipped, never fatal.
func Build(home string) protocol.FSIndex {
	idx := protocol.FSIndex{
		IndexedAt: time.Now().UTC(),
	}

	idx.MainDirectories = append(idx.MainDirectories, protocol.IndexedDirectory{
		Name: "Home",
		Path: home,
	})
	for _, name := range conventionalDirs {
		path := filepath.Join(home, name)
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			idx.MainDirectories = append(idx.MainDirectories, protocol.IndexedDirectory{
				Name: name,
				Path: path,
			})
		}
	}

	seen := map[string]struct{}{}
	collectDirs(home, 0, seen)

	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	idx.IndexedPaths = paths

	return idx
}

func collectDirs(dir string, depth int, seen map[string]struct{}) {
	seen[dir] = struct{}{}
	if depth >= maxDepth {
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		// Unreadable directory: keep its own path, skip children.
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		collectDirs(filepath.Join(dir, entry.Name()), depth+1, seen)
	}
}

// Resolve maps a user-relative name ("Desktop", "home") to an indexed
// absolute path. Matching is case-insensitive on the directory name.
func Resolve(idx protocol.FSIndex, name string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false
	}
	for _, dir := range idx.MainDirectories {
		if strings.EqualFold(dir.Name, name) {
			return dir.Path, true
		}
	}
	return "", false
}
