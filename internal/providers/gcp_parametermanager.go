package providers

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/systmms/vstore/internal/validation"
	"github.com/systmms/vstore/pkg/versionstore"
)

// ParameterKey formats projects/{project}/locations/{location}/parameters/{name}.
func ParameterKey(project, location, name string) string {
	return "projects/" + project + "/locations/" + location + "/parameters/" + name
}

func parameterPrefix(project, location string) string {
	return "projects/" + project + "/locations/" + location + "/parameters/"
}

// GCPParameterStore layers Parameter Manager semantics over a Backend.
// Unlike Secret Manager every version id is chosen by the caller.
type GCPParameterStore struct {
	backend versionstore.Backend
	opts    storeOptions
}

// NewGCPParameterStore creates a Parameter Manager store on backend. It
// normally shares the "gcp" backend with GCPSecretStore; the key spaces do
// not overlap.
func NewGCPParameterStore(backend versionstore.Backend, opts ...Option) *GCPParameterStore {
	return &GCPParameterStore{backend: backend, opts: buildOptions(providerGCP, opts)}
}

// AddVersion stores data under the caller-supplied versionID.
func (s *GCPParameterStore) AddVersion(ctx context.Context, project, location, name string, data json.RawMessage, versionID string) (id string, err error) {
	defer s.opts.observe(providerGCP, s.backend, "add_parameter_version", time.Now(), &err)
	key := ParameterKey(project, location, name)

	if versionID == "" {
		return "", ErrVersionIDMissing
	}
	if encoded := gjson.GetBytes(data, "payload.data"); encoded.Type == gjson.String {
		if err := validation.ValidateGCPSecretPayload(encoded.String()); err != nil {
			s.opts.metrics.ValidationFailed(providerGCP)
			return "", err
		}
	}

	id, err = s.backend.AddVersion(ctx, key, data, versionID, nil)
	return id, wrapErr(providerGCP, "add parameter version", key, err)
}

// GetLatest returns the newest enabled version.
func (s *GCPParameterStore) GetLatest(ctx context.Context, project, location, name string) (versionstore.Version, bool, error) {
	key := ParameterKey(project, location, name)
	versions, _, err := s.backend.ListVersions(ctx, key)
	if err != nil {
		return versionstore.Version{}, false, wrapErr(providerGCP, "list parameter versions", key, err)
	}
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Enabled {
			return versions[i], true, nil
		}
	}
	return versionstore.Version{}, false, nil
}

func (s *GCPParameterStore) GetVersion(ctx context.Context, project, location, name, versionID string) (versionstore.Version, bool, error) {
	key := ParameterKey(project, location, name)
	v, ok, err := s.backend.GetVersion(ctx, key, versionID)
	return v, ok, wrapErr(providerGCP, "get parameter version", key, err)
}

func (s *GCPParameterStore) ListVersions(ctx context.Context, project, location, name string) ([]versionstore.Version, bool, error) {
	key := ParameterKey(project, location, name)
	vs, ok, err := s.backend.ListVersions(ctx, key)
	return vs, ok, wrapErr(providerGCP, "list parameter versions", key, err)
}

func (s *GCPParameterStore) EnableVersion(ctx context.Context, project, location, name, versionID string) (bool, error) {
	key := ParameterKey(project, location, name)
	ok, err := s.backend.EnableVersion(ctx, key, versionID)
	return ok, wrapErr(providerGCP, "enable parameter version", key, err)
}

func (s *GCPParameterStore) DisableVersion(ctx context.Context, project, location, name, versionID string) (bool, error) {
	key := ParameterKey(project, location, name)
	ok, err := s.backend.DisableVersion(ctx, key, versionID)
	return ok, wrapErr(providerGCP, "disable parameter version", key, err)
}

// GetMetadata returns the raw parameter metadata (format, labels).
func (s *GCPParameterStore) GetMetadata(ctx context.Context, project, location, name string) (json.RawMessage, bool, error) {
	key := ParameterKey(project, location, name)
	md, ok, err := s.backend.GetMetadata(ctx, key)
	return md, ok, wrapErr(providerGCP, "get parameter metadata", key, err)
}

func (s *GCPParameterStore) UpdateMetadata(ctx context.Context, project, location, name string, metadata json.RawMessage) error {
	key := ParameterKey(project, location, name)
	return wrapErr(providerGCP, "update parameter metadata", key, s.backend.UpdateMetadata(ctx, key, metadata))
}

func (s *GCPParameterStore) Exists(ctx context.Context, project, location, name string) (bool, error) {
	key := ParameterKey(project, location, name)
	ok, err := s.backend.Exists(ctx, key)
	return ok, wrapErr(providerGCP, "parameter exists", key, err)
}

func (s *GCPParameterStore) DeleteParameter(ctx context.Context, project, location, name string) (deleted bool, err error) {
	defer s.opts.observe(providerGCP, s.backend, "delete_parameter", time.Now(), &err)
	key := ParameterKey(project, location, name)
	deleted, err = s.backend.DeleteSecret(ctx, key)
	return deleted, wrapErr(providerGCP, "delete parameter", key, err)
}

// ListParameters returns the parameter names of one project location.
func (s *GCPParameterStore) ListParameters(ctx context.Context, project, location string) ([]string, error) {
	keys, err := s.backend.ListKeys(ctx)
	if err != nil {
		return nil, wrapErr(providerGCP, "list keys", "", err)
	}
	return trimPrefixed(keys, parameterPrefix(project, location)), nil
}

// ListParametersFiltered narrows ListParameters to one environment, taken
// from the parameter's environment label. An empty environment matches
// every parameter.
func (s *GCPParameterStore) ListParametersFiltered(ctx context.Context, project, location, environment string) ([]string, error) {
	prefix := parameterPrefix(project, location)
	if r := versionstore.ReporterFor(s.backend); r != nil {
		keys, err := r.FilterKeys(ctx, prefix, environment, "")
		if err != nil {
			return nil, wrapErr(providerGCP, "filter keys", prefix, err)
		}
		return trimPrefixed(keys, prefix), nil
	}

	names, err := s.ListParameters(ctx, project, location)
	if err != nil || environment == "" {
		return names, err
	}
	out := []string{}
	for _, name := range names {
		env, err := s.environmentOf(ctx, prefix+name)
		if err != nil {
			return nil, err
		}
		if env == environment {
			out = append(out, name)
		}
	}
	return out, nil
}

// ListEnvironments returns the sorted environment labels of the parameters
// in one project location.
func (s *GCPParameterStore) ListEnvironments(ctx context.Context, project, location string) ([]string, error) {
	prefix := parameterPrefix(project, location)
	names, err := s.ListParameters(ctx, project, location)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	envs := []string{}
	for _, name := range names {
		env, err := s.environmentOf(ctx, prefix+name)
		if err != nil {
			return nil, err
		}
		if env != "" && !seen[env] {
			seen[env] = true
			envs = append(envs, env)
		}
	}
	sort.Strings(envs)
	return envs, nil
}

// ListLocations returns the sorted locations holding at least one
// parameter of project.
func (s *GCPParameterStore) ListLocations(ctx context.Context, project string) ([]string, error) {
	keys, err := s.backend.ListKeys(ctx)
	if err != nil {
		return nil, wrapErr(providerGCP, "list keys", "", err)
	}
	prefix := "projects/" + project + "/locations/"
	seen := make(map[string]bool)
	locs := []string{}
	for _, key := range keys {
		rest, ok := strings.CutPrefix(key, prefix)
		if !ok {
			continue
		}
		loc, tail, ok := strings.Cut(rest, "/")
		if !ok || !strings.HasPrefix(tail, "parameters/") || seen[loc] {
			continue
		}
		seen[loc] = true
		locs = append(locs, loc)
	}
	sort.Strings(locs)
	return locs, nil
}

var parameterEnvironmentLabels = []string{"environment", "Environment", "env", "Env"}

func (s *GCPParameterStore) environmentOf(ctx context.Context, key string) (string, error) {
	md, _, err := s.backend.GetMetadata(ctx, key)
	if err != nil {
		return "", wrapErr(providerGCP, "get parameter metadata", key, err)
	}
	labels := gjson.GetBytes(md, "labels")
	for _, k := range parameterEnvironmentLabels {
		if v := labels.Get(k); v.Type == gjson.String {
			return v.String(), nil
		}
	}
	return "", nil
}
