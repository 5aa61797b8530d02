package ci_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// Guards against the release pipeline silently drifting away from the repo.
func TestGitHubWorkflowsExist(t *testing.T) {
	projectRoot := filepath.Clean(filepath.Join("..", ".."))
	workflows := []struct {
		relativePath  string
		requiredSnips [][]byte
	}{
		{
			relativePath:  filepath.Join(".github", "workflows", "go-tests.yml"),
			requiredSnips: [][]byte{[]byte("go vet ./..."), []byte("go test ./...")},
		},
		{
			relativePath:  filepath.Join(".github", "workflows", "release.yml"),
			requiredSnips: [][]byte{[]byte("docker build")},
		},
		{
			relativePath:  "Dockerfile",
			requiredSnips: [][]byte{[]byte("cmd/scholargate")},
		},
	}

	for _, workflow := range workflows {
		fullPath := filepath.Join(projectRoot, workflow.relativePath)
		data, err := os.ReadFile(fullPath)
		if err != nil {
			t.Fatalf("read %q: %v", workflow.relativePath, err)
		}
		for _, snippet := range workflow.requiredSnips {
			if !bytes.Contains(data, snippet) {
				t.Fatalf("%q missing required snippet %q", workflow.relativePath, string(snippet))
			}
		}
	}
}
