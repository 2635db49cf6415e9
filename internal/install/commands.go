// File: internal/install/commands.go
// Brief: Argument templates for conda, pip, verification, and kernels.

package install

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/example/pmpm/internal/config"
	"github.com/example/pmpm/internal/failure"
	"github.com/example/pmpm/internal/manifest"
)

// condaAction is create for a fresh environment and install afterwards.
func condaAction(condaPrefix string) string {
	if fi, err := os.Stat(filepath.Join(condaPrefix, "conda-meta")); err == nil && fi.IsDir() {
		return "install"
	}
	return "create"
}

func condaArgs(cfg *config.InstallConfig, action, condaPrefix string, specs []string) []string {
	args := []string{cfg.CondaExe, action, "--yes", "--prefix", condaPrefix}
	for _, ch := range cfg.CondaChannels {
		args = append(args, "-c", ch)
	}
	args = append(args, specs...)
	return append(args, cfg.ExtraArgs...)
}

func pythonPath(condaPrefix string) string {
	return filepath.Join(condaPrefix, "bin", "python")
}

func pipArgs(condaPrefix string, specs []string) []string {
	args := []string{pythonPath(condaPrefix), "-m", "pip", "install"}
	return append(args, specs...)
}

func kernelArgs(condaPrefix, name string) []string {
	return []string{pythonPath(condaPrefix), "-m", "ipykernel", "install", "--user", "--name", name, "--display-name", name}
}

// verifyArgs splits a manifest verify string the way a POSIX shell would,
// without running a shell.
func verifyArgs(p manifest.PackageSpec) ([]string, error) {
	args, err := shellwords.Parse(p.Verify)
	if err != nil {
		return nil, &failure.Error{Kind: failure.Configuration, Package: p.Name, Method: string(p.Method), Err: err}
	}
	if len(args) == 0 {
		return nil, nil
	}
	return args, nil
}

// requirementName extracts the package name of a raw conda spec.
func requirementName(spec string) string {
	return manifest.ParseRequirement(spec, manifest.MethodConda).Name
}

// Fingerprint hashes everything that shapes what a package install produces.
// Resume skips a package only when the fingerprint of its last success
// matches.
func Fingerprint(p manifest.PackageSpec, cfg *config.InstallConfig) string {
	h := sha256.New()
	write := func(k, v string) {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(v))
		h.Write([]byte{0})
	}
	write("name", p.Name)
	write("method", string(p.Method))
	write("requirement", p.Requirement())
	write("mode", string(cfg.Mode))
	write("python", cfg.PythonVersion)
	if p.Method == manifest.MethodConda {
		write("channels", strings.Join(cfg.CondaChannels, ","))
	}
	if p.Method == manifest.MethodSource {
		write("recipe", p.Recipe)
		write("source", strings.Join(p.Source, "\n"))
		write("arch", cfg.Arch)
		write("tune", cfg.Tune)
		keys := make([]string, 0, len(p.Flags))
		for k := range p.Flags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			write("flag:"+k, p.Flags[k])
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
