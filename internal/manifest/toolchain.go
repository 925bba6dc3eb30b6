package manifest

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/mod/modfile"
)

// GoVersion returns the go directive of dir/go.mod, or "" when absent
func GoVersion(dir string) string {
	path := filepath.Join(dir, "go.mod")
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}

	f, err := modfile.ParseLax(path, data, nil)
	if err != nil || f.Go == nil {
		return ""
	}
	return f.Go.Version
}

// GoModulePath returns the module path of dir/go.mod, or "" when absent
func GoModulePath(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, "go.mod"))
	if err != nil {
		return ""
	}
	return modfile.ModulePath(data)
}

// DetectPythonTool returns "poetry", "uv" or "pip" for the project in dir
func DetectPythonTool(dir string) string {
	if fileExists(filepath.Join(dir, "poetry.lock")) {
		return "poetry"
	}
	if fileExists(filepath.Join(dir, "uv.lock")) {
		return "uv"
	}

	data, err := os.ReadFile(filepath.Join(dir, "pyproject.toml"))
	if err != nil {
		return "pip"
	}

	var project struct {
		Tool        map[string]any `toml:"tool"`
		BuildSystem struct {
			BuildBackend string `toml:"build-backend"`
		} `toml:"build-system"`
	}
	if err := toml.Unmarshal(data, &project); err != nil {
		return "pip"
	}

	if _, ok := project.Tool["poetry"]; ok {
		return "poetry"
	}
	if strings.HasPrefix(project.BuildSystem.BuildBackend, "poetry") {
		return "poetry"
	}
	if _, ok := project.Tool["uv"]; ok {
		return "uv"
	}
	return "pip"
}

// DetectJavaTool returns "gradle" or "maven" based on the entry file name or
// the build files present in dir
func DetectJavaTool(dir, entry string) string {
	base := strings.ToLower(filepath.Base(entry))
	switch {
	case base == "pom.xml":
		return "maven"
	case strings.HasPrefix(base, "build.gradle"):
		return "gradle"
	}

	if fileExists(filepath.Join(dir, "pom.xml")) {
		return "maven"
	}
	return "gradle"
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
