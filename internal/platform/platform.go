// Package platform maps the host operating system and architecture onto the
// engine's release artifact and executable naming.
package platform

import (
	"fmt"
	"runtime"
	"strings"
)

// Supported operating systems.
const (
	Windows = "windows"
	Darwin  = "darwin"
	Linux   = "linux"
)

// Supported architectures.
const (
	AMD64 = "amd64"
	ARM64 = "arm64"
)

// Acceleration variants published alongside the generic builds.
const (
	VariantROCm     = "rocm"
	VariantCUDA     = "cuda"
	VariantJetpack5 = "jetpack5"
	VariantJetpack6 = "jetpack6"
)

// Key identifies one platform build of the engine.
type Key struct {
	OS      string
	Arch    string
	Variant string
}

func (k Key) String() string {
	s := k.OS + "/" + k.Arch
	if k.Variant != "" {
		s += "/" + k.Variant
	}
	return s
}

// Current returns the Key for the running process.
func Current() (Key, error) {
	return FromGo(runtime.GOOS, runtime.GOARCH)
}

// FromGo converts GOOS/GOARCH values into a Key.
func FromGo(goos, goarch string) (Key, error) {
	var k Key
	switch goos {
	case Windows, Darwin, Linux:
		k.OS = goos
	default:
		return Key{}, fmt.Errorf("unsupported platform: %s", goos)
	}
	switch goarch {
	case AMD64, ARM64:
		k.Arch = goarch
	default:
		return Key{}, fmt.Errorf("unsupported architecture: %s", goarch)
	}
	return k, nil
}

// ParseVariant normalizes a user supplied acceleration variant. Unknown values
// yield ok == false and should be ignored by the caller.
func ParseVariant(s string) (variant string, ok bool) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "":
		return "", true
	case VariantROCm, VariantCUDA, VariantJetpack5, VariantJetpack6:
		return v, true
	}
	return "", false
}

// WithVariant returns a copy of k with the variant set.
func (k Key) WithVariant(v string) Key {
	k.Variant = v
	return k
}

// AssetName returns the release artifact name for the given product, e.g.
// "ollama-windows-amd64.zip" or "ollama-darwin.tgz". Variants that have no
// dedicated artifact on a platform fall back to the generic build.
func AssetName(product string, k Key) string {
	switch k.OS {
	case Windows:
		if k.Variant == VariantROCm {
			return fmt.Sprintf("%s-windows-%s-rocm.zip", product, k.Arch)
		}
		return fmt.Sprintf("%s-windows-%s.zip", product, k.Arch)
	case Darwin:
		return product + "-darwin.tgz"
	case Linux:
		switch k.Variant {
		case VariantROCm, VariantJetpack5, VariantJetpack6:
			return fmt.Sprintf("%s-linux-%s-%s.tgz", product, k.Arch, k.Variant)
		}
		return fmt.Sprintf("%s-linux-%s.tgz", product, k.Arch)
	}
	return ""
}

// ExecutableName returns the path of the engine executable relative to the
// installation root.
func ExecutableName(product string, k Key) string {
	switch k.OS {
	case Windows:
		return product + ".exe"
	case Linux:
		return "bin/" + product
	}
	return product
}
