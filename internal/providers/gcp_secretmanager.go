package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	dserrors "github.com/systmms/vstore/internal/errors"
	"github.com/systmms/vstore/internal/validation"
	"github.com/systmms/vstore/pkg/versionstore"
)

const providerGCP = "gcp"

// LatestVersion is the alias accepted by AccessVersion for the newest
// enabled version.
const LatestVersion = "latest"

// Replication mirrors the Secret Manager replication policy. Automatic and
// Locations are mutually exclusive.
type Replication struct {
	Automatic bool     `json:"automatic,omitempty"`
	Locations []string `json:"locations,omitempty"`
}

// SecretMetadata is the structured metadata of a GCP secret.
type SecretMetadata struct {
	Labels         map[string]string `json:"labels,omitempty"`
	Annotations    map[string]string `json:"annotations,omitempty"`
	Replication    *Replication      `json:"replication,omitempty"`
	Topics         []string          `json:"topics,omitempty"`
	VersionAliases map[string]int64  `json:"version_aliases,omitempty"`
}

// Field selectors accepted by UpdateMetadata.
const (
	FieldLabels         = "labels"
	FieldAnnotations    = "annotations"
	FieldReplication    = "replication"
	FieldTopics         = "topics"
	FieldVersionAliases = "version_aliases"
)

var metadataFields = map[string]func(dst *SecretMetadata, src SecretMetadata){
	FieldLabels:         func(dst *SecretMetadata, src SecretMetadata) { dst.Labels = src.Labels },
	FieldAnnotations:    func(dst *SecretMetadata, src SecretMetadata) { dst.Annotations = src.Annotations },
	FieldReplication:    func(dst *SecretMetadata, src SecretMetadata) { dst.Replication = src.Replication },
	FieldTopics:         func(dst *SecretMetadata, src SecretMetadata) { dst.Topics = src.Topics },
	FieldVersionAliases: func(dst *SecretMetadata, src SecretMetadata) { dst.VersionAliases = src.VersionAliases },
}

// ValidateMask checks every selector of an update mask.
func ValidateMask(mask []string) error {
	for _, field := range mask {
		if _, ok := metadataFields[field]; !ok {
			return dserrors.ValidationError{
				Provider: providerGCP,
				Field:    "update_mask",
				Message:  fmt.Sprintf("unknown field selector %q", field),
			}
		}
	}
	return nil
}

// SecretKey formats projects/{project}/secrets/{secret}.
func SecretKey(project, secret string) string {
	return "projects/" + project + "/secrets/" + secret
}

func secretPrefix(project string) string {
	return "projects/" + project + "/secrets/"
}

// GCPSecretStore layers Secret Manager semantics over a Backend.
type GCPSecretStore struct {
	backend versionstore.Backend
	// metaMu serializes metadata read-modify-write (create, masked update).
	metaMu sync.Mutex
	opts   storeOptions
}

// NewGCPSecretStore creates a GCP Secret Manager store on backend.
func NewGCPSecretStore(backend versionstore.Backend, opts ...Option) *GCPSecretStore {
	return &GCPSecretStore{backend: backend, opts: buildOptions(providerGCP, opts)}
}

// Backend returns the underlying backend.
func (s *GCPSecretStore) Backend() versionstore.Backend { return s.backend }

// sequentialID numbers versions 1, 2, 3...
func sequentialID(_ string, existing []versionstore.Version) string {
	return strconv.Itoa(len(existing) + 1)
}

// CreateSecret registers a secret with its metadata. It returns false
// when the secret already exists.
func (s *GCPSecretStore) CreateSecret(ctx context.Context, project, secret string, md SecretMetadata) (created bool, err error) {
	defer s.opts.observe(providerGCP, s.backend, "create_secret", time.Now(), &err)
	key := SecretKey(project, secret)

	s.metaMu.Lock()
	defer s.metaMu.Unlock()

	exists, err := s.backend.Exists(ctx, key)
	if err != nil {
		return false, wrapErr(providerGCP, "exists", key, err)
	}
	if exists {
		return false, nil
	}
	if err := s.writeMetadata(ctx, key, md); err != nil {
		return false, err
	}
	s.opts.logger.Debug("created secret %s", key)
	return true, nil
}

func (s *GCPSecretStore) writeMetadata(ctx context.Context, key string, md SecretMetadata) error {
	raw, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("encode metadata for %s: %w", key, err)
	}
	return wrapErr(providerGCP, "update metadata", key, s.backend.UpdateMetadata(ctx, key, raw))
}

// AddVersion stores a raw version payload of the form
// {"payload":{"data":"<base64>"}} under the next sequential id.
func (s *GCPSecretStore) AddVersion(ctx context.Context, project, secret string, data json.RawMessage) (id string, err error) {
	defer s.opts.observe(providerGCP, s.backend, "add_version", time.Now(), &err)
	key := SecretKey(project, secret)

	if encoded := gjson.GetBytes(data, "payload.data"); encoded.Type == gjson.String {
		if err := validation.ValidateGCPSecretPayload(encoded.String()); err != nil {
			s.opts.metrics.ValidationFailed(providerGCP)
			return "", err
		}
	}

	id, err = s.backend.AddVersion(ctx, key, data, "", sequentialID)
	if err != nil {
		return "", wrapErr(providerGCP, "add version", key, err)
	}
	s.opts.logger.Debug("added version %s to %s", id, key)
	return id, nil
}

// AddPayload encodes payload and stores it as a new version.
func (s *GCPSecretStore) AddPayload(ctx context.Context, project, secret string, payload []byte) (string, error) {
	if err := validation.ValidateGCPSecretSize(payload); err != nil {
		s.opts.metrics.ValidationFailed(providerGCP)
		return "", err
	}
	data, err := EncodePayload(payload)
	if err != nil {
		return "", err
	}
	return s.AddVersion(ctx, project, secret, data)
}

// EncodePayload wraps payload bytes in the stored version layout.
func EncodePayload(payload []byte) (json.RawMessage, error) {
	return json.Marshal(map[string]map[string]string{
		"payload": {"data": base64.StdEncoding.EncodeToString(payload)},
	})
}

// DecodePayload returns the payload bytes of a stored version.
func DecodePayload(v versionstore.Version) ([]byte, error) {
	encoded := gjson.GetBytes(v.Data, "payload.data")
	if encoded.Type != gjson.String {
		return nil, fmt.Errorf("version %s has no payload data", v.ID)
	}
	payload, err := base64.StdEncoding.DecodeString(encoded.String())
	if err != nil {
		return nil, fmt.Errorf("decode payload of version %s: %w", v.ID, err)
	}
	return payload, nil
}

// AccessVersion resolves "latest" or a version id to an accessible version.
// Disabled versions and versions of disabled secrets are not accessible.
func (s *GCPSecretStore) AccessVersion(ctx context.Context, project, secret, version string) (v versionstore.Version, ok bool, err error) {
	defer s.opts.observe(providerGCP, s.backend, "access_version", time.Now(), &err)
	key := SecretKey(project, secret)

	enabled, err := s.backend.IsEnabled(ctx, key)
	if err != nil || !enabled {
		return versionstore.Version{}, false, wrapErr(providerGCP, "is enabled", key, err)
	}

	if version != LatestVersion {
		v, ok, err = s.backend.GetVersion(ctx, key, version)
		if err != nil || !ok || !v.Enabled {
			return versionstore.Version{}, false, wrapErr(providerGCP, "get version", key, err)
		}
		return v, true, nil
	}

	versions, _, err := s.backend.ListVersions(ctx, key)
	if err != nil {
		return versionstore.Version{}, false, wrapErr(providerGCP, "list versions", key, err)
	}
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Enabled {
			return versions[i], true, nil
		}
	}
	return versionstore.Version{}, false, nil
}

// GetVersion returns a version regardless of its state.
func (s *GCPSecretStore) GetVersion(ctx context.Context, project, secret, version string) (versionstore.Version, bool, error) {
	key := SecretKey(project, secret)
	v, ok, err := s.backend.GetVersion(ctx, key, version)
	return v, ok, wrapErr(providerGCP, "get version", key, err)
}

func (s *GCPSecretStore) ListVersions(ctx context.Context, project, secret string) ([]versionstore.Version, bool, error) {
	key := SecretKey(project, secret)
	vs, ok, err := s.backend.ListVersions(ctx, key)
	return vs, ok, wrapErr(providerGCP, "list versions", key, err)
}

func (s *GCPSecretStore) EnableVersion(ctx context.Context, project, secret, version string) (bool, error) {
	key := SecretKey(project, secret)
	ok, err := s.backend.EnableVersion(ctx, key, version)
	return ok, wrapErr(providerGCP, "enable version", key, err)
}

func (s *GCPSecretStore) DisableVersion(ctx context.Context, project, secret, version string) (bool, error) {
	key := SecretKey(project, secret)
	ok, err := s.backend.DisableVersion(ctx, key, version)
	return ok, wrapErr(providerGCP, "disable version", key, err)
}

func (s *GCPSecretStore) EnableSecret(ctx context.Context, project, secret string) (bool, error) {
	key := SecretKey(project, secret)
	ok, err := s.backend.EnableSecret(ctx, key)
	return ok, wrapErr(providerGCP, "enable secret", key, err)
}

func (s *GCPSecretStore) DisableSecret(ctx context.Context, project, secret string) (bool, error) {
	key := SecretKey(project, secret)
	ok, err := s.backend.DisableSecret(ctx, key)
	return ok, wrapErr(providerGCP, "disable secret", key, err)
}

func (s *GCPSecretStore) IsEnabled(ctx context.Context, project, secret string) (bool, error) {
	key := SecretKey(project, secret)
	ok, err := s.backend.IsEnabled(ctx, key)
	return ok, wrapErr(providerGCP, "is enabled", key, err)
}

// DeleteSecret removes the secret and every version.
func (s *GCPSecretStore) DeleteSecret(ctx context.Context, project, secret string) (deleted bool, err error) {
	defer s.opts.observe(providerGCP, s.backend, "delete_secret", time.Now(), &err)
	key := SecretKey(project, secret)
	deleted, err = s.backend.DeleteSecret(ctx, key)
	return deleted, wrapErr(providerGCP, "delete secret", key, err)
}

func (s *GCPSecretStore) Exists(ctx context.Context, project, secret string) (bool, error) {
	key := SecretKey(project, secret)
	ok, err := s.backend.Exists(ctx, key)
	return ok, wrapErr(providerGCP, "exists", key, err)
}

// GetMetadata returns the decoded metadata of a secret. A secret created
// implicitly by AddVersion has empty metadata.
func (s *GCPSecretStore) GetMetadata(ctx context.Context, project, secret string) (SecretMetadata, bool, error) {
	key := SecretKey(project, secret)
	exists, err := s.backend.Exists(ctx, key)
	if err != nil || !exists {
		return SecretMetadata{}, false, wrapErr(providerGCP, "exists", key, err)
	}
	raw, _, err := s.backend.GetMetadata(ctx, key)
	if err != nil {
		return SecretMetadata{}, false, wrapErr(providerGCP, "get metadata", key, err)
	}
	md, err := decodeMetadata(raw)
	if err != nil {
		return SecretMetadata{}, false, fmt.Errorf("metadata of %s: %w", key, err)
	}
	return md, true, nil
}

func decodeMetadata(raw json.RawMessage) (SecretMetadata, error) {
	var md SecretMetadata
	if len(raw) == 0 || string(raw) == "null" {
		return md, nil
	}
	err := json.Unmarshal(raw, &md)
	return md, err
}

// UpdateMetadata overwrites the fields named in mask with the values from
// md. An empty mask replaces the whole metadata. Unknown selectors fail
// before anything is written. Returns false when the secret is absent.
func (s *GCPSecretStore) UpdateMetadata(ctx context.Context, project, secret string, md SecretMetadata, mask []string) (updated bool, err error) {
	defer s.opts.observe(providerGCP, s.backend, "update_metadata", time.Now(), &err)
	key := SecretKey(project, secret)

	if err := ValidateMask(mask); err != nil {
		s.opts.metrics.ValidationFailed(providerGCP)
		return false, err
	}

	s.metaMu.Lock()
	defer s.metaMu.Unlock()

	current, ok, err := s.GetMetadata(ctx, project, secret)
	if err != nil || !ok {
		return false, err
	}

	next := md
	if len(mask) > 0 {
		next = current
		for _, field := range mask {
			metadataFields[field](&next, md)
		}
	}
	if err := s.writeMetadata(ctx, key, next); err != nil {
		return false, err
	}
	return true, nil
}

// ListSecrets returns the secret ids of a project, sorted.
func (s *GCPSecretStore) ListSecrets(ctx context.Context, project string) ([]string, error) {
	keys, err := s.backend.ListKeys(ctx)
	if err != nil {
		return nil, wrapErr(providerGCP, "list keys", "", err)
	}
	return trimPrefixed(keys, secretPrefix(project)), nil
}

// ListSecretsFiltered narrows ListSecrets by the derived environment and
// location. Backends without a Reporter ignore the filters.
func (s *GCPSecretStore) ListSecretsFiltered(ctx context.Context, project, environment, location string) ([]string, error) {
	r := versionstore.ReporterFor(s.backend)
	if r == nil {
		return s.ListSecrets(ctx, project)
	}
	prefix := secretPrefix(project)
	keys, err := r.FilterKeys(ctx, prefix, environment, location)
	if err != nil {
		return nil, wrapErr(providerGCP, "filter keys", prefix, err)
	}
	return trimPrefixed(keys, prefix), nil
}

// ListAllProjects returns every project that owns at least one secret.
func (s *GCPSecretStore) ListAllProjects(ctx context.Context) ([]string, error) {
	if r := versionstore.ReporterFor(s.backend); r != nil {
		projects, err := r.Projects(ctx)
		if err != nil {
			return nil, wrapErr(providerGCP, "list projects", "", err)
		}
		if len(projects) > 0 {
			return projects, nil
		}
	}

	keys, err := s.backend.ListKeys(ctx)
	if err != nil {
		return nil, wrapErr(providerGCP, "list keys", "", err)
	}
	seen := make(map[string]bool)
	for _, key := range keys {
		rest, ok := strings.CutPrefix(key, "projects/")
		if !ok {
			continue
		}
		if project, _, found := strings.Cut(rest, "/secrets/"); found && project != "" {
			seen[project] = true
		}
	}
	return sortedKeys(seen), nil
}

// ListEnvironments returns the environments of a project's secrets in one
// location. Backends without a Reporter return an empty list.
func (s *GCPSecretStore) ListEnvironments(ctx context.Context, project, location string) ([]string, error) {
	r := versionstore.ReporterFor(s.backend)
	if r == nil {
		return []string{}, nil
	}
	envs, err := r.Environments(ctx, project, location)
	return envs, wrapErr(providerGCP, "list environments", project, err)
}

// ListLocations returns the locations of a project's secrets.
func (s *GCPSecretStore) ListLocations(ctx context.Context, project string) ([]string, error) {
	r := versionstore.ReporterFor(s.backend)
	if r == nil {
		return []string{}, nil
	}
	locs, err := r.Locations(ctx, project)
	return locs, wrapErr(providerGCP, "list locations", project, err)
}

// trimPrefixed keeps keys directly under prefix and strips it.
func trimPrefixed(keys []string, prefix string) []string {
	out := []string{}
	for _, key := range keys {
		name, ok := strings.CutPrefix(key, prefix)
		if ok && name != "" && !strings.Contains(name, "/") {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
