package dockerfile

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/alvesdmateus/app-packager/internal/builder/buildtypes"
)

// Stage names and paths shared by every recipe
const (
	BuilderStage  = "builder"
	ArtifactStage = "artifact"
	RuntimeStage  = "runtime"
	// OutDir is where the builder stage leaves the artifact
	OutDir = "/out"
)

// Spec is the resolved input of a recipe. Paths are slash-separated and
// relative to the build context.
type Spec struct {
	Language buildtypes.Language
	Kind     buildtypes.Kind
	// EntryFile is the module root file (main.go, pom.xml, handler.py, ...)
	EntryFile string
	// SourceSubdir is the source directory inside the context, "." if equal
	SourceSubdir  string
	Version       string
	Tool          string
	RequiresGlibc bool
	Config        buildtypes.LanguageConfig
}

// LanguageTemplate holds the stages of a language recipe
type LanguageTemplate struct {
	Images       Images
	BuildStage   string
	RuntimeStage string
	RunCommand   []string
}

// GetTemplate returns the template for spec's language
func GetTemplate(spec Spec) (*LanguageTemplate, error) {
	images, err := ImagesFor(spec.Language, spec.Version, spec.Tool, spec.RequiresGlibc)
	if err != nil {
		return nil, err
	}

	switch spec.Language {
	case buildtypes.LanguageGo:
		return getGoTemplate(spec, images), nil
	case buildtypes.LanguageJava:
		return getJavaTemplate(spec, images), nil
	case buildtypes.LanguagePython:
		return getPythonTemplate(spec, images), nil
	case buildtypes.LanguageNodeJS:
		return getNodeTemplate(spec, images), nil
	default:
		return nil, fmt.Errorf("unsupported language: %s", spec.Language)
	}
}

// getGoTemplate cross-compiles on the build platform unless cgo is required
func getGoTemplate(spec Spec, images Images) *LanguageTemplate {
	cfg, _ := spec.Config.(*buildtypes.GoConfig)
	if cfg == nil {
		cfg = &buildtypes.GoConfig{}
	}

	pkg := "./" + path.Dir(spec.EntryFile)
	if path.Dir(spec.EntryFile) == "." {
		pkg = "."
	}

	ldflags := strings.TrimSpace("-s -w " + cfg.LdFlags)
	args := []string{"go", "build", "-trimpath", "-ldflags=" + strconv.Quote(ldflags)}
	if len(cfg.Tags) > 0 {
		tags := append([]string(nil), cfg.Tags...)
		sort.Strings(tags)
		args = append(args, "-tags="+strings.Join(tags, ","))
	}
	args = append(args, "-o", path.Join(OutDir, cfg.Binary()), pkg)

	var from, toolchain string
	cgo := "0"
	if cfg.CGO {
		cgo = "1"
		from = fmt.Sprintf("FROM %s AS %s", images.Builder, BuilderStage)
		if !spec.RequiresGlibc {
			toolchain = "RUN apk add --no-cache build-base\n"
		}
	} else {
		from = fmt.Sprintf("FROM --platform=$BUILDPLATFORM %s AS %s", images.Builder, BuilderStage)
	}

	return &LanguageTemplate{
		Images: images,
		BuildStage: fmt.Sprintf(`# Build stage
%s
ARG TARGETOS
ARG TARGETARCH
WORKDIR /src
%s
# Copy go mod files
COPY go.mod go.sum* ./
RUN go mod download

# Copy source code
COPY . .

# Build the binary
RUN CGO_ENABLED=%s GOOS=$TARGETOS GOARCH=$TARGETARCH %s`, from, toolchain, cgo, strings.Join(args, " ")),
		RuntimeStage: runtimeStage(images.Runtime, spec.RequiresGlibc, ""),
		RunCommand:   []string{path.Join("/app", cfg.Binary())},
	}
}

// getJavaTemplate packages the project jar with maven or gradle
func getJavaTemplate(spec Spec, images Images) *LanguageTemplate {
	cfg, _ := spec.Config.(*buildtypes.JavaConfig)
	if cfg == nil {
		cfg = &buildtypes.JavaConfig{}
	}

	project := path.Dir(spec.EntryFile)

	var buildCmd, jarGlob string
	if spec.Tool == "gradle" {
		buildCmd = "gradle --no-daemon -q build -x test"
		jarGlob = "build/libs/*.jar"
	} else {
		buildCmd = "mvn -B -q -DskipTests package"
		jarGlob = "target/*.jar"
	}

	run := []string{"java", "-jar", "/app/app.jar"}
	if cfg.MainClass != "" {
		run = []string{"java", "-cp", "/app/app.jar", cfg.MainClass}
	}

	return &LanguageTemplate{
		Images: images,
		BuildStage: fmt.Sprintf(`# Build stage
FROM %s AS %s
WORKDIR /src

# Copy source code
COPY . .

# Build and collect the application jar
WORKDIR /src/%s
RUN %s && \
    mkdir -p %s && \
    cp "$(ls %s | grep -v -E '(-plain|-sources|-javadoc|original-)' | head -n 1)" %s/app.jar`,
			images.Builder, BuilderStage, project, buildCmd, OutDir, jarGlob, OutDir),
		RuntimeStage: runtimeStage(images.Runtime, spec.RequiresGlibc, ""),
		RunCommand:   run,
	}
}

// getPythonTemplate installs dependencies next to the sources so the output
// directory is importable as is
func getPythonTemplate(spec Spec, images Images) *LanguageTemplate {
	var installCmd string
	switch spec.Tool {
	case "poetry":
		installCmd = fmt.Sprintf(`# Copy poetry files
COPY pyproject.toml poetry.lock* ./

# Install dependencies
RUN pip install --no-cache-dir poetry poetry-plugin-export && \
    poetry export --without-hashes -f requirements.txt -o /tmp/requirements.txt && \
    pip install --no-cache-dir -r /tmp/requirements.txt --target %s`, OutDir)
	case "uv":
		installCmd = fmt.Sprintf(`# Copy uv files
COPY pyproject.toml uv.lock* ./

# Install dependencies
RUN pip install --no-cache-dir uv && \
    uv export --frozen --no-dev --no-hashes -o /tmp/requirements.txt && \
    uv pip install --no-cache -r /tmp/requirements.txt --target %s`, OutDir)
	default:
		installCmd = fmt.Sprintf(`# Copy requirements
COPY requirements.txt* ./

# Install dependencies
RUN mkdir -p %[1]s && \
    if [ -f requirements.txt ]; then pip install --no-cache-dir -r requirements.txt --target %[1]s; fi`, OutDir)
	}

	return &LanguageTemplate{
		Images: images,
		BuildStage: fmt.Sprintf(`# Build stage
FROM %s AS %s
WORKDIR /src

%s

# Copy source code
COPY . .
RUN cp -a %s/. %s/`, images.Builder, BuilderStage, installCmd, cleanDir(spec.SourceSubdir), OutDir),
		RuntimeStage: runtimeStage(images.Runtime, spec.RequiresGlibc, "ENV PYTHONPATH=/app\n"),
		RunCommand:   []string{"python", path.Join("/app", sourceRelative(spec))},
	}
}

// getNodeTemplate packages an already bundled directory, so it has no build
// stage; the build context is the bundle itself
func getNodeTemplate(spec Spec, images Images) *LanguageTemplate {
	return &LanguageTemplate{
		Images: images,
		RuntimeStage: fmt.Sprintf(`# Runtime stage
FROM %s AS %s
ENV NODE_ENV=production
WORKDIR /app

# Copy bundle
COPY --chown=node:node . /app/

USER node`, images.Runtime, RuntimeStage),
		RunCommand: []string{"node", path.Join("/app", spec.EntryFile)},
	}
}

// runtimeStage returns a non-root runtime stage that receives the builder
// output in /app
func runtimeStage(image string, glibc bool, extra string) string {
	user := `RUN addgroup -g 1000 appuser && \
    adduser -D -u 1000 -G appuser appuser`
	if glibc {
		user = `RUN useradd -m -u 1000 appuser`
	}

	return fmt.Sprintf(`# Runtime stage
FROM %s AS %s
%s
WORKDIR /app
%s
# Copy artifact from builder
COPY --from=%s --chown=appuser %s/ /app/

USER appuser`, image, RuntimeStage, user, extra, BuilderStage, OutDir)
}

// BuildDockerfileContent assembles the recipe for the requested shape. The
// function shape ends in a scratch stage holding only the artifact so a local
// export writes exactly the build output.
func BuildDockerfileContent(template *LanguageTemplate, kind buildtypes.Kind) string {
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n\n")

	if template.BuildStage != "" {
		b.WriteString(template.BuildStage)
		b.WriteString("\n\n")
	}

	if kind == buildtypes.KindFunction {
		fmt.Fprintf(&b, "# Artifact stage\nFROM scratch AS %s\nCOPY --from=%s %s/ /\n", ArtifactStage, BuilderStage, OutDir)
		return b.String()
	}

	b.WriteString(template.RuntimeStage)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "CMD [%s]\n", formatCmd(template.RunCommand))

	return b.String()
}

// formatCmd formats the run command for the exec form of CMD
func formatCmd(args []string) string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = strconv.Quote(arg)
	}
	return strings.Join(quoted, ", ")
}

func cleanDir(dir string) string {
	if dir == "" {
		return "."
	}
	return path.Clean(dir)
}

// sourceRelative returns the entry file relative to the source directory
func sourceRelative(spec Spec) string {
	sub := cleanDir(spec.SourceSubdir)
	if sub == "." {
		return spec.EntryFile
	}
	return strings.TrimPrefix(spec.EntryFile, sub+"/")
}
