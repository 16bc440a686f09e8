package engine

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// DirModuleResolver loads imported modules from files below a root
// directory. Location hints are taken relative to the root; without hints
// the namespace URI itself is tried as a relative path.
type DirModuleResolver struct {
	Root string
}

func (r DirModuleResolver) ResolveModule(namespace string, hints []string) (string, string, error) {
	candidates := hints
	if len(candidates) == 0 {
		candidates = []string{namespace}
	}
	for _, hint := range candidates {
		rel := filepath.FromSlash(strings.TrimPrefix(hint, "/"))
		path := filepath.Join(r.Root, rel)
		if !strings.HasPrefix(path, filepath.Clean(r.Root)+string(filepath.Separator)) {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		return string(data), FileSystemID(path), nil
	}
	return "", "", Errorf(CodeCompile, "cannot resolve module %q", namespace)
}

// FileSystemID converts a file path to a file: URL.
func FileSystemID(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	return u.String()
}

// PathFromSystemID is the inverse of FileSystemID.
func PathFromSystemID(id string) (string, error) {
	u, err := url.Parse(id)
	if err != nil {
		return "", err
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("not a file URL: %s", id)
	}
	return filepath.FromSlash(u.Path), nil
}
