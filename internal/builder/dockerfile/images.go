package dockerfile

import (
	"fmt"

	"github.com/alvesdmateus/app-packager/internal/builder/buildtypes"
)

// Images are the base images of a recipe: Builder runs the toolchain and
// Runtime hosts the container-shape workload
type Images struct {
	Builder string
	Runtime string
}

// ImagesFor selects base images for a language. Minimal (musl) images are the
// default; requiresGlibc switches both stages to Debian-based images.
func ImagesFor(lang buildtypes.Language, version, tool string, requiresGlibc bool) (Images, error) {
	switch lang {
	case buildtypes.LanguageGo:
		if requiresGlibc {
			return Images{
				Builder: fmt.Sprintf("golang:%s-bookworm", version),
				Runtime: "debian:bookworm-slim",
			}, nil
		}
		return Images{
			Builder: fmt.Sprintf("golang:%s-alpine", version),
			Runtime: "alpine:3.20",
		}, nil

	case buildtypes.LanguageJava:
		major := buildtypes.MajorVersion(version)
		builder := fmt.Sprintf("maven:3.9-eclipse-temurin-%s", major)
		if tool == "gradle" {
			builder = fmt.Sprintf("gradle:8.10-jdk%s", major)
		}
		if requiresGlibc {
			return Images{
				Builder: builder,
				Runtime: fmt.Sprintf("eclipse-temurin:%s-jre-jammy", major),
			}, nil
		}
		return Images{
			Builder: builder + "-alpine",
			Runtime: fmt.Sprintf("eclipse-temurin:%s-jre-alpine", major),
		}, nil

	case buildtypes.LanguagePython:
		v := buildtypes.MajorMinorVersion(version)
		if requiresGlibc {
			img := fmt.Sprintf("python:%s-slim-bookworm", v)
			return Images{Builder: img, Runtime: img}, nil
		}
		img := fmt.Sprintf("python:%s-alpine", v)
		return Images{Builder: img, Runtime: img}, nil

	case buildtypes.LanguageNodeJS:
		major := buildtypes.MajorVersion(version)
		if requiresGlibc {
			img := fmt.Sprintf("node:%s-bookworm-slim", major)
			return Images{Builder: img, Runtime: img}, nil
		}
		img := fmt.Sprintf("node:%s-alpine", major)
		return Images{Builder: img, Runtime: img}, nil
	}

	return Images{}, fmt.Errorf("unsupported language: %s", lang)
}
