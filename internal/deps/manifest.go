package deps

import (
	"bytes"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/zeebo/blake3"
)

// ManifestFile is the per-module manifest name.
const ManifestFile = "package.json"

const defaultBuildScript = "build"

var ErrNoManifest = errors.New("deps: module has no package.json")

//go:embed manifest.schema.json
var manifestSchemaJSON []byte

var (
	manifestSchemaOnce sync.Once
	manifestSchema     *jsonschema.Schema
	manifestSchemaErr  error
)

func compiledManifestSchema() (*jsonschema.Schema, error) {
	manifestSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(manifestSchemaJSON))
		if err != nil {
			manifestSchemaErr = fmt.Errorf("unmarshal manifest schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("manifest.schema.json", doc); err != nil {
			manifestSchemaErr = fmt.Errorf("add manifest schema: %w", err)
			return
		}
		manifestSchema, manifestSchemaErr = c.Compile("manifest.schema.json")
	})
	return manifestSchema, manifestSchemaErr
}

// ManifestOptions is the "yuzai" block of package.json.
type ManifestOptions struct {
	NeedBuild   bool   `json:"needBuild"`
	BuildScript string `json:"buildScript"`
	AutoImport  bool   `json:"autoImport"`
}

// Manifest holds the package.json fields the installer reads.
type Manifest struct {
	Name            string            `json:"name"`
	Version         string            `json:"version"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	Yuzai           ManifestOptions   `json:"yuzai"`
}

// ReadManifest loads and validates dir/package.json.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoManifest, dir)
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest validates data against the manifest schema and decodes it.
func ParseManifest(data []byte) (*Manifest, error) {
	schema, err := compiledManifestSchema()
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid manifest JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("manifest validation failed: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// ModuleInfo is recomputed from the manifest on every status check.
type ModuleInfo struct {
	NeedBuild        bool
	BuildScript      string
	Version          string
	DependenciesHash string
	// HasDependencies is false when the install set is empty, in which case
	// no node_modules directory is expected.
	HasDependencies bool
}

func (m *Manifest) Info() ModuleInfo {
	script := m.Yuzai.BuildScript
	if script == "" {
		script = defaultBuildScript
	}
	hasDeps := len(m.Dependencies) > 0
	if m.Yuzai.NeedBuild && len(m.DevDependencies) > 0 {
		hasDeps = true
	}
	return ModuleInfo{
		NeedBuild:        m.Yuzai.NeedBuild,
		BuildScript:      script,
		Version:          m.Version,
		DependenciesHash: HashDependencies(m.Dependencies, m.DevDependencies, m.Yuzai.NeedBuild),
		HasDependencies:  hasDeps,
	}
}

// HashDependencies digests the dependency set with BLAKE3. Dev dependencies
// count only when includeDev is set. encoding/json sorts map keys, so the
// digest is independent of declaration order.
func HashDependencies(deps, devDeps map[string]string, includeDev bool) string {
	set := struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies,omitempty"`
	}{Dependencies: deps}
	if set.Dependencies == nil {
		set.Dependencies = map[string]string{}
	}
	if includeDev {
		set.DevDependencies = devDeps
	}
	data, _ := json.Marshal(set)
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
