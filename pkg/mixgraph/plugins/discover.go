package plugins

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
)

const (
	manifestExt = ".toml"
	libraryExt  = ".so"

	worldWritable = 0o002
)

// manifest is the sidecar file shipped next to every native plugin
type manifest struct {
	ID           string     `toml:"id"`
	Name         string     `toml:"name"`
	Vendor       string     `toml:"vendor"`
	Version      string     `toml:"version"`
	Library      string     `toml:"library"`
	Inputs       int        `toml:"inputs"`
	Outputs      int        `toml:"outputs"`
	Capabilities []string   `toml:"capabilities"`
	ABI          ABIVersion `toml:"abi"`
}

// scanDirectory lists native plugins in dir. Libraries are only stat'ed, never opened.
func scanDirectory(logger *zap.SugaredLogger, dir string) []Descriptor {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warnw("Failed to read plugin directory", "dir", dir, "error", err)
		}
		return nil
	}

	descriptors := []Descriptor{}
	claimed := map[string]bool{}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != manifestExt {
			continue
		}

		desc := readManifest(filepath.Join(dir, entry.Name()))
		claimed[desc.Path] = true
		descriptors = append(descriptors, desc)
	}

	// libraries nobody described can't be validated without loading them
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != libraryExt {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		if claimed[path] {
			continue
		}

		descriptors = append(descriptors, Descriptor{
			Info:         Info{ID: strings.TrimSuffix(entry.Name(), libraryExt)},
			Kind:         KindNative,
			Path:         path,
			State:        StateRejected,
			RejectReason: "missing manifest",
		})
	}

	return descriptors
}

func readManifest(path string) Descriptor {
	desc := Descriptor{
		Kind:  KindNative,
		Path:  strings.TrimSuffix(path, manifestExt) + libraryExt,
		State: StateDiscovered,
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return reject(desc, fmt.Sprintf("read manifest: %v", err))
	}

	var m manifest
	if err := toml.Unmarshal(raw, &m); err != nil {
		return reject(desc, fmt.Sprintf("parse manifest: %v", err))
	}

	if m.Library != "" {
		desc.Path = filepath.Join(filepath.Dir(path), m.Library)
	}

	desc.Info = Info{
		ID:      m.ID,
		Name:    m.Name,
		Vendor:  m.Vendor,
		Version: m.Version,
		Inputs:  m.Inputs,
		Outputs: m.Outputs,
	}
	desc.ABI = m.ABI

	caps, err := parseCapabilities(m.Capabilities)
	if err != nil {
		return reject(desc, err.Error())
	}
	desc.Features = caps

	return validate(desc)
}

// validate moves a discovered descriptor to Validated or Rejected
func validate(desc Descriptor) Descriptor {
	if desc.ID == "" {
		return reject(desc, "manifest has no id")
	}
	if desc.Inputs < 1 || desc.Outputs < 1 {
		return reject(desc, "plugin must have at least one input and one output")
	}
	if !desc.ABI.CompatibleWith(HostABI) {
		return reject(desc, fmt.Sprintf("abi %s is not compatible with host abi %s", desc.ABI, HostABI))
	}

	if desc.Kind == KindNative {
		info, err := os.Stat(desc.Path)
		if err != nil {
			return reject(desc, fmt.Sprintf("stat library: %v", err))
		}
		if info.Mode().Perm()&worldWritable != 0 {
			return reject(desc, "library is world-writable")
		}

		dirInfo, err := os.Stat(filepath.Dir(desc.Path))
		if err != nil {
			return reject(desc, fmt.Sprintf("stat plugin directory: %v", err))
		}
		if dirInfo.Mode().Perm()&worldWritable != 0 {
			return reject(desc, "plugin directory is world-writable")
		}
	}

	desc.State = StateValidated
	return desc
}

func reject(desc Descriptor, reason string) Descriptor {
	desc.State = StateRejected
	desc.RejectReason = reason
	return desc
}
