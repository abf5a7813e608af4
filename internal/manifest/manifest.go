// Package manifest defines the deployment data model the control plane
// returns on domain resolution: the descriptor, its ordered manifest of
// static/dynamic resources, and the wire decoding of the control-plane
// response into a validated, discriminated union.
package manifest

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates a ManifestResource between a static file served
// verbatim from object storage and a dynamic function proxied to the
// runner.
type Kind string

const (
	Static  Kind = "static"
	Dynamic Kind = "dynamic"
)

// Resource is one row of a deployment's manifest.
type Resource struct {
	Kind Kind
	// URLPath is the request-path pattern: an exact path for Static, a
	// prefix for Dynamic.
	URLPath string
	// ResourcePath is, for Static, the object-store key suffix under the
	// deployment's static/ prefix; for Dynamic, the function identifier
	// passed to the runner.
	ResourcePath string
	// Headers are optional per-resource response header overrides, applied
	// last so they win over computed defaults.
	Headers map[string]string
}

// Descriptor is the resolved representation of a customer deployment,
// exactly as returned by the control plane for a hostname. It is immutable
// once constructed; a cache refresh replaces the value wholesale rather than
// mutating it.
type Descriptor struct {
	DeploymentID string
	ProjectID    string
	Manifest     []Resource
	EnvVars      map[string]string
}

// wireManifest mirrors the control plane's JSON wire shape for a manifest.
type wireManifest struct {
	Version   int            `json:"version"`
	Resources []wireResource `json:"resources"`
}

type wireResource struct {
	Kind         string            `json:"kind"`
	URLPath      string            `json:"urlPath"`
	ResourcePath string            `json:"resourcePath"`
	Headers      map[string]string `json:"headers,omitempty"`
}

// wireDescriptor mirrors the full ResolveDomain response body.
type wireDescriptor struct {
	DeploymentID string            `json:"deploymentId"`
	ProjectID    string            `json:"projectId"`
	Manifest     wireManifest      `json:"manifest"`
	EnvVars      map[string]string `json:"envVars"`
}

// ParseDescriptor decodes and validates a control-plane response body into a
// Descriptor. An invalid manifest (unknown kind, empty urlPath, resource
// missing its resourcePath) is rejected here, at resolve time, rather than
// deferred to request dispatch — per the discriminated-union parsing this
// system uses instead of accepting arbitrary JSON.
func ParseDescriptor(body []byte) (*Descriptor, error) {
	var w wireDescriptor
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("manifest: decode: %w", err)
	}
	if w.DeploymentID == "" {
		return nil, fmt.Errorf("manifest: missing deploymentId")
	}
	if w.Manifest.Version != 1 {
		return nil, fmt.Errorf("manifest: unsupported version %d", w.Manifest.Version)
	}

	resources := make([]Resource, 0, len(w.Manifest.Resources))
	for i, wr := range w.Manifest.Resources {
		var kind Kind
		switch wr.Kind {
		case string(Static):
			kind = Static
		case string(Dynamic):
			kind = Dynamic
		default:
			return nil, fmt.Errorf("manifest: resource %d: unknown kind %q", i, wr.Kind)
		}
		if wr.URLPath == "" {
			return nil, fmt.Errorf("manifest: resource %d: empty urlPath", i)
		}
		if wr.ResourcePath == "" {
			return nil, fmt.Errorf("manifest: resource %d: empty resourcePath", i)
		}
		resources = append(resources, Resource{
			Kind:         kind,
			URLPath:      wr.URLPath,
			ResourcePath: wr.ResourcePath,
			Headers:      wr.Headers,
		})
	}

	return &Descriptor{
		DeploymentID: w.DeploymentID,
		ProjectID:    w.ProjectID,
		Manifest:     resources,
		EnvVars:      w.EnvVars,
	}, nil
}

// CustomErrorPage returns the resourcePath of a static resource advertised
// at the given well-known urlPath (e.g. "/404.html"), or "" if the manifest
// does not supply one.
func (d *Descriptor) CustomErrorPage(urlPath string) (string, bool) {
	for _, r := range d.Manifest {
		if r.Kind == Static && r.URLPath == urlPath {
			return r.ResourcePath, true
		}
	}
	return "", false
}
