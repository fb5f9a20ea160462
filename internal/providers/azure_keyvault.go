package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	dserrors "github.com/systmms/vstore/internal/errors"
	"github.com/systmms/vstore/internal/validation"
	"github.com/systmms/vstore/pkg/versionstore"
)

const providerAzure = "azure"

// SecretProperties is the Azure metadata kept alongside a secret.
type SecretProperties struct {
	Tags        map[string]string `json:"tags,omitempty"`
	ContentType string            `json:"contentType,omitempty"`
}

// PropertiesUpdate changes the fields that are set. Enabled applies to the
// secret, or to one version when UpdateProperties is given a version id.
type PropertiesUpdate struct {
	Tags        map[string]string
	ContentType *string
	Enabled     *bool
}

type backupBlob struct {
	Name     string            `json:"name"`
	Versions []json.RawMessage `json:"versions"`
}

// AzureSecretStore layers Key Vault semantics over a Backend: opaque
// version ids, disabled-state errors and two-stage deletion.
type AzureSecretStore struct {
	backend versionstore.Backend
	deleted versionstore.DeletedStore
	// mu guards transitions between the live and deleted sets.
	mu   sync.Mutex
	opts storeOptions
}

// NewAzureSecretStore creates an Azure store on backend. Deleted secrets
// live in the backend's own deleted table when it has one.
func NewAzureSecretStore(backend versionstore.Backend, opts ...Option) *AzureSecretStore {
	o := buildOptions(providerAzure, opts)
	deleted := o.deleted
	if deleted == nil {
		deleted = versionstore.DeletedFor(backend)
	}
	return &AzureSecretStore{backend: backend, deleted: deleted, opts: o}
}

// Backend returns the underlying backend.
func (s *AzureSecretStore) Backend() versionstore.Backend { return s.backend }

func azureVersionID(_ string, existing []versionstore.Version) string {
	for {
		id := strings.ReplaceAll(uuid.NewString(), "-", "")
		unique := true
		for _, v := range existing {
			if v.ID == id {
				unique = false
				break
			}
		}
		if unique {
			return id
		}
	}
}

// SecretValue extracts the "value" field of a stored version.
func SecretValue(v versionstore.Version) string {
	return gjson.GetBytes(v.Data, "value").String()
}

// SetSecret stores value as a new version and returns its id. A name in
// the deleted state cannot be written until it is recovered or purged.
func (s *AzureSecretStore) SetSecret(ctx context.Context, name, value string) (id string, err error) {
	defer s.opts.observe(providerAzure, s.backend, "set_secret", time.Now(), &err)

	if err := validation.ValidateAzureSecretSize(value); err != nil {
		s.opts.metrics.ValidationFailed(providerAzure)
		return "", err
	}

	data, err := json.Marshal(map[string]string{"value": value})
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", name, err)
	}
	return s.addVersion(ctx, name, data)
}

// AddVersion stores a raw payload as a new version. Like SetSecret it
// refuses names in the deleted state.
func (s *AzureSecretStore) AddVersion(ctx context.Context, name string, data json.RawMessage) (id string, err error) {
	defer s.opts.observe(providerAzure, s.backend, "add_version", time.Now(), &err)

	if value := gjson.GetBytes(data, "value"); value.Type == gjson.String {
		if err := validation.ValidateAzureSecretSize(value.String()); err != nil {
			s.opts.metrics.ValidationFailed(providerAzure)
			return "", err
		}
	}
	return s.addVersion(ctx, name, data)
}

// addVersion holds mu across the deleted check and the write so that a
// name is never live and deleted at once.
func (s *AzureSecretStore) addVersion(ctx context.Context, name string, data json.RawMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, deleted, err := s.deleted.GetDeleted(ctx, name)
	if err != nil {
		return "", wrapErr(providerAzure, "get deleted", name, err)
	}
	if deleted {
		return "", fmt.Errorf("set %s: %w", name, ErrSecretDeleted)
	}

	id, err := s.backend.AddVersion(ctx, name, data, "", azureVersionID)
	if err != nil {
		return "", wrapErr(providerAzure, "add version", name, err)
	}
	s.opts.logger.Debug("added version %s to %s", id, name)
	return id, nil
}

// GetSecret returns an accessible version; an empty version means latest.
// Missing secrets and versions, and disabled ones, are reported through
// the package sentinels.
func (s *AzureSecretStore) GetSecret(ctx context.Context, name, version string) (v versionstore.Version, err error) {
	defer s.opts.observe(providerAzure, s.backend, "get_secret", time.Now(), &err)

	exists, err := s.backend.Exists(ctx, name)
	if err != nil {
		return versionstore.Version{}, wrapErr(providerAzure, "exists", name, err)
	}
	if !exists {
		return versionstore.Version{}, fmt.Errorf("get %s: %w", name, ErrSecretNotFound)
	}
	enabled, err := s.backend.IsEnabled(ctx, name)
	if err != nil {
		return versionstore.Version{}, wrapErr(providerAzure, "is enabled", name, err)
	}
	if !enabled {
		return versionstore.Version{}, fmt.Errorf("get %s: %w", name, ErrSecretDisabled)
	}

	var ok bool
	if version == "" {
		v, ok, err = s.backend.LatestVersion(ctx, name)
	} else {
		v, ok, err = s.backend.GetVersion(ctx, name, version)
	}
	if err != nil {
		return versionstore.Version{}, wrapErr(providerAzure, "get version", name, err)
	}
	if !ok {
		return versionstore.Version{}, fmt.Errorf("get %s/%s: %w", name, version, ErrVersionNotFound)
	}
	if !v.Enabled {
		return versionstore.Version{}, fmt.Errorf("get %s/%s: %w", name, v.ID, ErrVersionDisabled)
	}
	return v, nil
}

// GetLatest returns the newest version regardless of state.
func (s *AzureSecretStore) GetLatest(ctx context.Context, name string) (versionstore.Version, bool, error) {
	v, ok, err := s.backend.LatestVersion(ctx, name)
	return v, ok, wrapErr(providerAzure, "latest version", name, err)
}

// GetVersion returns one version regardless of state.
func (s *AzureSecretStore) GetVersion(ctx context.Context, name, version string) (versionstore.Version, bool, error) {
	v, ok, err := s.backend.GetVersion(ctx, name, version)
	return v, ok, wrapErr(providerAzure, "get version", name, err)
}

func (s *AzureSecretStore) ListVersions(ctx context.Context, name string) ([]versionstore.Version, bool, error) {
	vs, ok, err := s.backend.ListVersions(ctx, name)
	return vs, ok, wrapErr(providerAzure, "list versions", name, err)
}

func (s *AzureSecretStore) EnableSecret(ctx context.Context, name string) (bool, error) {
	ok, err := s.backend.EnableSecret(ctx, name)
	return ok, wrapErr(providerAzure, "enable secret", name, err)
}

func (s *AzureSecretStore) DisableSecret(ctx context.Context, name string) (bool, error) {
	ok, err := s.backend.DisableSecret(ctx, name)
	return ok, wrapErr(providerAzure, "disable secret", name, err)
}

func (s *AzureSecretStore) EnableVersion(ctx context.Context, name, version string) (bool, error) {
	ok, err := s.backend.EnableVersion(ctx, name, version)
	return ok, wrapErr(providerAzure, "enable version", name, err)
}

func (s *AzureSecretStore) DisableVersion(ctx context.Context, name, version string) (bool, error) {
	ok, err := s.backend.DisableVersion(ctx, name, version)
	return ok, wrapErr(providerAzure, "disable version", name, err)
}

func (s *AzureSecretStore) IsEnabled(ctx context.Context, name string) (bool, error) {
	ok, err := s.backend.IsEnabled(ctx, name)
	return ok, wrapErr(providerAzure, "is enabled", name, err)
}

func (s *AzureSecretStore) Exists(ctx context.Context, name string) (bool, error) {
	ok, err := s.backend.Exists(ctx, name)
	return ok, wrapErr(providerAzure, "exists", name, err)
}

// GetProperties returns the tags and content type of a secret.
func (s *AzureSecretStore) GetProperties(ctx context.Context, name string) (SecretProperties, bool, error) {
	exists, err := s.backend.Exists(ctx, name)
	if err != nil || !exists {
		return SecretProperties{}, false, wrapErr(providerAzure, "exists", name, err)
	}
	raw, _, err := s.backend.GetMetadata(ctx, name)
	if err != nil {
		return SecretProperties{}, false, wrapErr(providerAzure, "get metadata", name, err)
	}
	var props SecretProperties
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &props); err != nil {
			return SecretProperties{}, false, fmt.Errorf("properties of %s: %w", name, err)
		}
	}
	return props, true, nil
}

// UpdateProperties applies the set fields of upd. When version is not
// empty, Enabled targets that version instead of the secret. Returns false
// when the secret or version is absent.
func (s *AzureSecretStore) UpdateProperties(ctx context.Context, name, version string, upd PropertiesUpdate) (ok bool, err error) {
	defer s.opts.observe(providerAzure, s.backend, "update_properties", time.Now(), &err)

	props, ok, err := s.GetProperties(ctx, name)
	if err != nil || !ok {
		return false, err
	}

	if upd.Enabled != nil {
		switch {
		case version != "" && *upd.Enabled:
			ok, err = s.backend.EnableVersion(ctx, name, version)
		case version != "":
			ok, err = s.backend.DisableVersion(ctx, name, version)
		case *upd.Enabled:
			ok, err = s.backend.EnableSecret(ctx, name)
		default:
			ok, err = s.backend.DisableSecret(ctx, name)
		}
		if err != nil || !ok {
			return false, wrapErr(providerAzure, "set enabled", name, err)
		}
	}

	if upd.Tags == nil && upd.ContentType == nil {
		return true, nil
	}
	if upd.Tags != nil {
		props.Tags = upd.Tags
	}
	if upd.ContentType != nil {
		props.ContentType = *upd.ContentType
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return false, fmt.Errorf("encode properties of %s: %w", name, err)
	}
	if err := s.backend.UpdateMetadata(ctx, name, raw); err != nil {
		return false, wrapErr(providerAzure, "update metadata", name, err)
	}
	return true, nil
}

// DeleteSecret moves a secret into the deleted set with a purge date
// RetentionDays ahead. It fails with ErrSecretDeleted when the name is
// already deleted. ok is false when the secret does not exist.
func (s *AzureSecretStore) DeleteSecret(ctx context.Context, name string) (rec versionstore.DeletedRecord, ok bool, err error) {
	defer s.opts.observe(providerAzure, s.backend, "delete_secret", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	_, already, err := s.deleted.GetDeleted(ctx, name)
	if err != nil {
		return rec, false, wrapErr(providerAzure, "get deleted", name, err)
	}
	if already {
		return rec, false, fmt.Errorf("delete %s: %w", name, ErrSecretDeleted)
	}

	snapshot, found, err := s.backend.Snapshot(ctx, name)
	if err != nil || !found {
		return rec, false, wrapErr(providerAzure, "snapshot", name, err)
	}

	now := s.opts.now()
	rec = versionstore.DeletedRecord{
		Record:           snapshot,
		DeletedAt:        now.Unix(),
		ScheduledPurgeAt: now.Add(s.opts.retention).Unix(),
	}
	if err := s.deleted.PutDeleted(ctx, name, rec); err != nil {
		return versionstore.DeletedRecord{}, false, wrapErr(providerAzure, "put deleted", name, err)
	}
	if _, err := s.backend.DeleteSecret(ctx, name); err != nil {
		if _, _, undoErr := s.deleted.TakeDeleted(ctx, name); undoErr != nil {
			s.opts.logger.Warn("could not undo deleted entry for %s: %v", name, undoErr)
		}
		return versionstore.DeletedRecord{}, false, wrapErr(providerAzure, "delete secret", name, err)
	}

	s.opts.logger.Info("deleted %s, purge scheduled at %s", name, time.Unix(rec.ScheduledPurgeAt, 0).UTC().Format(time.RFC3339))
	return rec, true, nil
}

// GetDeletedSecret returns a secret in the deleted state.
func (s *AzureSecretStore) GetDeletedSecret(ctx context.Context, name string) (versionstore.DeletedRecord, bool, error) {
	rec, ok, err := s.deleted.GetDeleted(ctx, name)
	return rec, ok, wrapErr(providerAzure, "get deleted", name, err)
}

// ListDeletedSecrets returns the names in the deleted state, sorted.
func (s *AzureSecretStore) ListDeletedSecrets(ctx context.Context) ([]string, error) {
	names, err := s.deleted.ListDeleted(ctx)
	if err != nil {
		return nil, wrapErr(providerAzure, "list deleted", "", err)
	}
	sort.Strings(names)
	return names, nil
}

// IsDeleted reports whether name is in the deleted state.
func (s *AzureSecretStore) IsDeleted(ctx context.Context, name string) (bool, error) {
	_, ok, err := s.deleted.GetDeleted(ctx, name)
	return ok, wrapErr(providerAzure, "get deleted", name, err)
}

// RecoverSecret moves a deleted secret back into the live set with all of
// its versions and metadata.
func (s *AzureSecretStore) RecoverSecret(ctx context.Context, name string) (ok bool, err error) {
	defer s.opts.observe(providerAzure, s.backend, "recover_secret", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, found, err := s.deleted.GetDeleted(ctx, name)
	if err != nil || !found {
		return false, wrapErr(providerAzure, "get deleted", name, err)
	}
	if err := s.backend.PutRecord(ctx, rec.Record); err != nil {
		return false, wrapErr(providerAzure, "put record", name, err)
	}
	if _, _, err := s.deleted.TakeDeleted(ctx, name); err != nil {
		return false, wrapErr(providerAzure, "take deleted", name, err)
	}

	s.opts.logger.Info("recovered %s", name)
	return true, nil
}

// PurgeDeletedSecret erases a deleted secret permanently.
func (s *AzureSecretStore) PurgeDeletedSecret(ctx context.Context, name string) (ok bool, err error) {
	defer s.opts.observe(providerAzure, s.backend, "purge_secret", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok, err = s.deleted.TakeDeleted(ctx, name)
	return ok, wrapErr(providerAzure, "take deleted", name, err)
}

// ListSecrets returns the live secret names, sorted.
func (s *AzureSecretStore) ListSecrets(ctx context.Context) ([]string, error) {
	keys, err := s.backend.ListKeys(ctx)
	if err != nil {
		return nil, wrapErr(providerAzure, "list keys", "", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Backup serializes every version of a secret into an opaque blob.
func (s *AzureSecretStore) Backup(ctx context.Context, name string) (blob string, err error) {
	defer s.opts.observe(providerAzure, s.backend, "backup", time.Now(), &err)

	rec, ok, err := s.backend.Snapshot(ctx, name)
	if err != nil {
		return "", wrapErr(providerAzure, "snapshot", name, err)
	}
	if !ok {
		return "", fmt.Errorf("backup %s: %w", name, ErrSecretNotFound)
	}

	b := backupBlob{Name: name, Versions: make([]json.RawMessage, 0, len(rec.Versions))}
	for _, v := range rec.Versions {
		b.Versions = append(b.Versions, v.Data)
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("encode backup of %s: %w", name, err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Restore writes the last value found in a backup blob to a new version of
// the backed-up secret, or of rename when it is set. Earlier versions in
// the blob are not replayed.
func (s *AzureSecretStore) Restore(ctx context.Context, blob, rename string) (name, id string, err error) {
	defer s.opts.observe(providerAzure, s.backend, "restore", time.Now(), &err)

	invalid := func(msg string) error {
		s.opts.metrics.ValidationFailed(providerAzure)
		return dserrors.ValidationError{Provider: providerAzure, Field: "backup", Message: msg}
	}

	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", "", invalid("backup blob is not base64")
	}
	var b backupBlob
	if err := json.Unmarshal(raw, &b); err != nil {
		return "", "", invalid("backup blob is not valid JSON")
	}
	if len(b.Versions) == 0 {
		return "", "", invalid("backup holds no versions")
	}

	name = b.Name
	if rename != "" {
		name = rename
	}
	if name == "" {
		return "", "", invalid("backup has no secret name")
	}

	value := gjson.GetBytes(b.Versions[len(b.Versions)-1], "value").String()
	id, err = s.SetSecret(ctx, name, value)
	if err != nil {
		return "", "", err
	}
	return name, id, nil
}

// ListEnvironments returns the environments derived from secret tags.
func (s *AzureSecretStore) ListEnvironments(ctx context.Context) ([]string, error) {
	r := versionstore.ReporterFor(s.backend)
	if r == nil {
		return []string{}, nil
	}
	envs, err := r.Environments(ctx, "", "")
	return envs, wrapErr(providerAzure, "list environments", "", err)
}

// ListLocations returns the locations derived from secret tags.
func (s *AzureSecretStore) ListLocations(ctx context.Context) ([]string, error) {
	r := versionstore.ReporterFor(s.backend)
	if r == nil {
		return []string{}, nil
	}
	locs, err := r.Locations(ctx, "")
	return locs, wrapErr(providerAzure, "list locations", "", err)
}
