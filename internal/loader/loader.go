// Package loader produces the target infrastructure map. The real source is
// the user-code loader process; production boots prefer the prebuilt JSON
// artifact written by `moose check --write-infra-map`.
package loader

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/514-labs/moosestack-sub001/internal/config"
	"github.com/514-labs/moosestack-sub001/internal/infra"
	"github.com/514-labs/moosestack-sub001/internal/schema"
)

// PrebuiltMapFile is the artifact name under the project's internal dir.
const PrebuiltMapFile = "infrastructure_map.json"

// Loader produces the code-derived target map.
type Loader interface {
	Load(ctx context.Context, p *config.Project) (*infra.Map, error)
}

// Func adapts a function to the Loader interface.
type Func func(ctx context.Context, p *config.Project) (*infra.Map, error)

func (f Func) Load(ctx context.Context, p *config.Project) (*infra.Map, error) { return f(ctx, p) }

// LoadTarget resolves the target map: in production the prebuilt artifact
// wins when present (it carries no credentials); otherwise the user-code
// loader runs. Credentials are re-resolved from the environment either way,
// so persisted artifacts never need to hold secrets.
func LoadTarget(ctx context.Context, p *config.Project, l Loader) (*infra.Map, error) {
	var m *infra.Map
	if p.IsProd {
		prebuilt, err := LoadPrebuilt(p)
		if err != nil {
			return nil, err
		}
		m = prebuilt
	}
	if m == nil {
		var err error
		m, err = l.Load(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("loading target map from user code: %w", err)
		}
	}
	if m.DefaultDatabase == "" {
		m.DefaultDatabase = p.ClickHouse.DBName
	}
	ResolveCredentials(m)
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("target map is invalid: %w", err)
	}
	return m, nil
}

// LoadPrebuilt reads the on-disk artifact; a missing file is nil, not an
// error.
func LoadPrebuilt(p *config.Project) (*infra.Map, error) {
	path, err := p.InternalPath(PrebuiltMapFile)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading prebuilt map: %w", err)
	}
	m, err := infra.FromJSON(data)
	if err != nil {
		return nil, fmt.Errorf("parsing prebuilt map %s: %w", path, err)
	}
	return m, nil
}

// ResolveCredentials fills externally-bound secrets from the environment and
// refreshes each affected engine hash. Persisted maps and prebuilt artifacts
// never carry credentials, so this runs on every load.
func ResolveCredentials(m *infra.Map) {
	key := os.Getenv("AWS_ACCESS_KEY_ID")
	secret := os.Getenv("AWS_SECRET_ACCESS_KEY")
	for id, t := range m.Tables {
		e, ok := t.Engine.(schema.S3QueueEngine)
		if !ok {
			continue
		}
		changed := false
		if key != "" && needsValue(e.AwsKey) {
			k := key
			e.AwsKey = &k
			changed = true
		}
		if secret != "" && needsValue(e.AwsSecret) {
			s := secret
			e.AwsSecret = &s
			changed = true
		}
		if changed {
			t.Engine = e
			t.EngineParamsHash = schema.ParamsHash(e, t.DatabaseOr(m.DefaultDatabase))
			m.Tables[id] = t
		}
	}
}

func needsValue(v *string) bool {
	return v == nil || *v == "" || *v == "[HIDDEN]"
}

// Process runs an external loader command that prints the map as JSON on
// stdout. This is how language-specific loaders plug in.
type Process struct {
	Command []string
}

func (pl Process) Load(ctx context.Context, p *config.Project) (*infra.Map, error) {
	if len(pl.Command) == 0 {
		return nil, fmt.Errorf("no loader command configured for language %q", p.Language)
	}
	cmd := exec.CommandContext(ctx, pl.Command[0], pl.Command[1:]...)
	cmd.Dir = p.Root
	cmd.Stderr = os.Stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("user-code loader %q failed: %w", pl.Command[0], err)
	}
	m, err := infra.FromJSON(out)
	if err != nil {
		return nil, fmt.Errorf("user-code loader produced an invalid map: %w", err)
	}
	return m, nil
}
