// Package dockerfile generates the container build recipes used by the
// containerized builders.
package dockerfile

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alvesdmateus/app-packager/internal/builder/buildtypes"
)

// File names written next to each other in the staging directory. BuildKit
// reads "<recipe>.dockerignore" in place of the context's .dockerignore.
const (
	RecipeFile = "Dockerfile"
	IgnoreFile = RecipeFile + ".dockerignore"
)

// Recipe is a generated build definition
type Recipe struct {
	Content string
	// Target is the stage to build: the artifact stage for the function
	// shape, the runtime stage for the container shape
	Target string
	Images Images
	// Ignore lists context paths excluded from the build
	Ignore []string
}

// Generator creates recipes
type Generator struct {
	ignore []string
}

// NewGenerator creates a recipe generator. ignore patterns are written to
// the recipe's ignore file.
func NewGenerator(ignore []string) *Generator {
	return &Generator{ignore: ignore}
}

// Generate creates the recipe for spec
func (g *Generator) Generate(spec Spec) (*Recipe, error) {
	if spec.Language == buildtypes.LanguageNodeJS && spec.Kind == buildtypes.KindFunction {
		return nil, fmt.Errorf("nodejs function packages are bundled in-process and have no recipe")
	}

	template, err := GetTemplate(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}

	target := RuntimeStage
	if spec.Kind == buildtypes.KindFunction {
		target = ArtifactStage
	}

	recipe := &Recipe{
		Content: BuildDockerfileContent(template, spec.Kind),
		Target:  target,
		Images:  template.Images,
		Ignore:  g.ignore,
	}

	if err := Validate(recipe); err != nil {
		return nil, err
	}

	return recipe, nil
}

// Write stores the recipe and its ignore file in dir and returns the recipe
// path
func (g *Generator) Write(recipe *Recipe, dir string) (string, error) {
	recipePath := filepath.Join(dir, RecipeFile)
	if err := os.WriteFile(recipePath, []byte(recipe.Content), 0644); err != nil {
		return "", fmt.Errorf("failed to write recipe: %w", err)
	}

	ignore := strings.Join(dockerignorePatterns(recipe.Ignore), "\n")
	if ignore != "" {
		ignore += "\n"
	}
	if err := os.WriteFile(filepath.Join(dir, IgnoreFile), []byte(ignore), 0644); err != nil {
		return "", fmt.Errorf("failed to write recipe ignore file: %w", err)
	}

	return recipePath, nil
}

// dockerignorePatterns rewrites gitignore-style patterns for a dockerignore
// file, which anchors every pattern at the context root. Patterns without an
// inner slash match at any depth in gitignore, so they get a "**/" prefix; a
// leading slash is dropped.
func dockerignorePatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" || strings.HasPrefix(p, "#") {
			continue
		}

		negate := strings.HasPrefix(p, "!")
		p = strings.TrimPrefix(p, "!")

		switch {
		case strings.HasPrefix(p, "/"):
			p = strings.TrimPrefix(p, "/")
		case strings.HasPrefix(p, "**/"):
		case !strings.Contains(strings.TrimSuffix(p, "/"), "/"):
			p = "**/" + p
		}
		if p == "" {
			continue
		}

		if negate {
			p = "!" + p
		}
		out = append(out, p)
	}
	return out
}

// Validate checks that the recipe starts a stage before any other
// instruction and defines its target stage
func Validate(recipe *Recipe) error {
	var sawFrom, sawTarget bool

	scanner := bufio.NewScanner(strings.NewReader(recipe.Content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		instruction := strings.ToUpper(fields[0])
		switch {
		case instruction == "FROM":
			sawFrom = true
			if len(fields) >= 4 && strings.EqualFold(fields[len(fields)-2], "AS") && fields[len(fields)-1] == recipe.Target {
				sawTarget = true
			}
		case instruction == "ARG" && !sawFrom:
		case !sawFrom && !isContinuation(line):
			return fmt.Errorf("instruction %s before FROM", instruction)
		}
	}

	if !sawFrom {
		return fmt.Errorf("recipe has no FROM instruction")
	}
	if !sawTarget {
		return fmt.Errorf("recipe does not define target stage %q", recipe.Target)
	}
	return nil
}

func isContinuation(line string) bool {
	return strings.HasPrefix(line, "&&") || strings.HasPrefix(line, "\\")
}
