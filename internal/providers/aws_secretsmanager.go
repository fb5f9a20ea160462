package providers

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/systmms/vstore/internal/validation"
	"github.com/systmms/vstore/pkg/versionstore"
)

// AWS staging labels.
const (
	AWSCurrent  = "AWSCURRENT"
	AWSPrevious = "AWSPREVIOUS"
	AWSPending  = "AWSPENDING"
)

const providerAWS = "aws"

// AWSSecretStore layers Secrets Manager semantics over a Backend: hashed
// version ids, staging labels, and soft delete through the disabled flag.
type AWSSecretStore struct {
	backend versionstore.Backend
	labels  versionstore.LabelStore
	// labelMu serializes read-modify-write cycles on the label table. It
	// is only taken after the version write has completed.
	labelMu sync.Mutex
	opts    storeOptions
}

// NewAWSSecretStore creates an AWS store on backend. Staging labels live
// in the backend's own label table when it has one.
func NewAWSSecretStore(backend versionstore.Backend, opts ...Option) *AWSSecretStore {
	o := buildOptions(providerAWS, opts)
	labels := o.labels
	if labels == nil {
		labels = versionstore.LabelsFor(backend)
	}
	return &AWSSecretStore{backend: backend, labels: labels, opts: o}
}

// Backend returns the underlying backend.
func (s *AWSSecretStore) Backend() versionstore.Backend { return s.backend }

// awsVersionID hashes (name, unix seconds, salt) into 16 hex characters.
func awsVersionID(name string, ts int64, salt uint64) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(ts))
	binary.BigEndian.PutUint64(buf[8:], salt)
	_, _ = h.Write(buf[:])
	return fmt.Sprintf("%016x", h.Sum64())
}

func (s *AWSSecretStore) idGenerator() versionstore.IDGenerator {
	return func(name string, existing []versionstore.Version) string {
		ts := s.opts.now().Unix()
		taken := make(map[string]bool, len(existing))
		for _, v := range existing {
			taken[v.ID] = true
		}
		// The salt starts at the version count so repeated writes in the
		// same second hash differently.
		salt := uint64(len(existing))
		for {
			id := awsVersionID(name, ts, salt)
			if !taken[id] {
				return id
			}
			salt++
		}
	}
}

func validateAWSPayload(data json.RawMessage) error {
	if ss := gjson.GetBytes(data, "SecretString"); ss.Type == gjson.String {
		return validation.ValidateAWSSecretSize(ss.String())
	}
	return nil
}

// AddVersion stores a new version, promotes it to AWSCURRENT and demotes
// the previous current version to AWSPREVIOUS. An empty versionID yields
// a generated one.
//
// The version and its labels are two writes. When the label write fails
// the version stays stored without labels; repeating the call with the
// same versionID and payload finishes the promotion instead of failing
// with ErrDuplicateVersion. A different payload under an existing
// versionID still fails.
func (s *AWSSecretStore) AddVersion(ctx context.Context, name string, data json.RawMessage, versionID string) (id string, err error) {
	defer s.opts.observe(providerAWS, s.backend, "add_version", time.Now(), &err)

	if err := validateAWSPayload(data); err != nil {
		s.opts.metrics.ValidationFailed(providerAWS)
		return "", err
	}

	id, err = s.backend.AddVersion(ctx, name, data, versionID, s.idGenerator())
	retry := false
	if errors.Is(err, versionstore.ErrDuplicateVersion) && versionID != "" {
		retry, err = s.samePayload(ctx, name, versionID, data)
		if err == nil && !retry {
			err = versionstore.ErrDuplicateVersion
		}
		id = versionID
	}
	if err != nil {
		return "", wrapErr(providerAWS, "add version", name, err)
	}

	s.labelMu.Lock()
	defer s.labelMu.Unlock()

	labels, err := s.labels.Labels(ctx, name)
	if err != nil {
		return "", wrapErr(providerAWS, "read labels", name, err)
	}
	if retry {
		if len(stagesOf(labels, id)) > 0 {
			return id, nil
		}
	}
	if prev, ok := labels[AWSCurrent]; ok {
		labels[AWSPrevious] = prev
	}
	labels[AWSCurrent] = id
	if err := s.labels.SetLabels(ctx, name, labels); err != nil {
		return "", wrapErr(providerAWS, "write labels", name, err)
	}

	s.opts.logger.Debug("added version %s to %s", id, name)
	return id, nil
}

// samePayload reports whether versionID already holds data.
func (s *AWSSecretStore) samePayload(ctx context.Context, name, versionID string, data json.RawMessage) (bool, error) {
	v, ok, err := s.backend.GetVersion(ctx, name, versionID)
	if err != nil || !ok {
		return false, err
	}
	return sameJSON(v.Data, data), nil
}

// GetVersionByLabel resolves a staging label to its version.
func (s *AWSSecretStore) GetVersionByLabel(ctx context.Context, name, label string) (versionstore.Version, bool, error) {
	labels, err := s.labels.Labels(ctx, name)
	if err != nil {
		return versionstore.Version{}, false, wrapErr(providerAWS, "read labels", name, err)
	}
	id, ok := labels[label]
	if !ok {
		return versionstore.Version{}, false, nil
	}
	return s.GetVersion(ctx, name, id)
}

// GetCurrent returns the AWSCURRENT version, or the latest version when the
// secret carries no labels. A soft-deleted secret has no current version.
func (s *AWSSecretStore) GetCurrent(ctx context.Context, name string) (versionstore.Version, bool, error) {
	enabled, err := s.backend.IsEnabled(ctx, name)
	if err != nil {
		return versionstore.Version{}, false, wrapErr(providerAWS, "is enabled", name, err)
	}
	if !enabled {
		return versionstore.Version{}, false, nil
	}
	v, ok, err := s.GetVersionByLabel(ctx, name, AWSCurrent)
	if err != nil || ok {
		return v, ok, err
	}
	v, ok, err = s.backend.LatestVersion(ctx, name)
	return v, ok, wrapErr(providerAWS, "latest version", name, err)
}

// GetPrevious returns the AWSPREVIOUS version.
func (s *AWSSecretStore) GetPrevious(ctx context.Context, name string) (versionstore.Version, bool, error) {
	return s.GetVersionByLabel(ctx, name, AWSPrevious)
}

// GetLatest is GetCurrent; AWS has no separate notion of latest.
func (s *AWSSecretStore) GetLatest(ctx context.Context, name string) (versionstore.Version, bool, error) {
	return s.GetCurrent(ctx, name)
}

func (s *AWSSecretStore) GetVersion(ctx context.Context, name, versionID string) (versionstore.Version, bool, error) {
	v, ok, err := s.backend.GetVersion(ctx, name, versionID)
	return v, ok, wrapErr(providerAWS, "get version", name, err)
}

func (s *AWSSecretStore) ListVersions(ctx context.Context, name string) ([]versionstore.Version, bool, error) {
	vs, ok, err := s.backend.ListVersions(ctx, name)
	return vs, ok, wrapErr(providerAWS, "list versions", name, err)
}

// StagingLabels returns label -> version id. ok is false when the secret
// has never had a label.
func (s *AWSSecretStore) StagingLabels(ctx context.Context, name string) (map[string]string, bool, error) {
	labels, err := s.labels.Labels(ctx, name)
	if err != nil {
		return nil, false, wrapErr(providerAWS, "read labels", name, err)
	}
	return labels, len(labels) > 0, nil
}

// VersionStages returns the sorted labels attached to one version.
func (s *AWSSecretStore) VersionStages(ctx context.Context, name, versionID string) ([]string, error) {
	labels, err := s.labels.Labels(ctx, name)
	if err != nil {
		return nil, wrapErr(providerAWS, "read labels", name, err)
	}
	return stagesOf(labels, versionID), nil
}

func stagesOf(labels map[string]string, versionID string) []string {
	stages := []string{}
	for label, id := range labels {
		if id == versionID {
			stages = append(stages, label)
		}
	}
	sort.Strings(stages)
	return stages
}

// VersionIDsToStages inverts the label table.
func (s *AWSSecretStore) VersionIDsToStages(ctx context.Context, name string) (map[string][]string, error) {
	labels, err := s.labels.Labels(ctx, name)
	if err != nil {
		return nil, wrapErr(providerAWS, "read labels", name, err)
	}
	out := make(map[string][]string)
	for _, id := range labels {
		if _, done := out[id]; !done {
			out[id] = stagesOf(labels, id)
		}
	}
	return out, nil
}

// UpdateStagingLabel moves label onto moveTo. Every label attached to
// removeFrom (when given) is detached first. Moving AWSCURRENT also points
// AWSPREVIOUS at the vacated version. Returns false when either version
// id does not exist.
func (s *AWSSecretStore) UpdateStagingLabel(ctx context.Context, name, label, removeFrom, moveTo string) (ok bool, err error) {
	defer s.opts.observe(providerAWS, s.backend, "update_staging_label", time.Now(), &err)

	if removeFrom != "" {
		if _, found, err := s.backend.GetVersion(ctx, name, removeFrom); err != nil || !found {
			return false, wrapErr(providerAWS, "get version", name, err)
		}
	}
	if _, found, err := s.backend.GetVersion(ctx, name, moveTo); err != nil || !found {
		return false, wrapErr(providerAWS, "get version", name, err)
	}

	s.labelMu.Lock()
	defer s.labelMu.Unlock()

	labels, err := s.labels.Labels(ctx, name)
	if err != nil {
		return false, wrapErr(providerAWS, "read labels", name, err)
	}

	if removeFrom != "" {
		for l, id := range labels {
			if id == removeFrom {
				delete(labels, l)
			}
		}
	}
	labels[label] = moveTo
	if label == AWSCurrent && removeFrom != "" {
		labels[AWSPrevious] = removeFrom
	}

	if err := s.labels.SetLabels(ctx, name, labels); err != nil {
		return false, wrapErr(providerAWS, "write labels", name, err)
	}
	return true, nil
}

func (s *AWSSecretStore) GetMetadata(ctx context.Context, name string) (json.RawMessage, bool, error) {
	md, ok, err := s.backend.GetMetadata(ctx, name)
	return md, ok, wrapErr(providerAWS, "get metadata", name, err)
}

// UpdateMetadata replaces the metadata blob.
func (s *AWSSecretStore) UpdateMetadata(ctx context.Context, name string, metadata json.RawMessage) error {
	return wrapErr(providerAWS, "update metadata", name, s.backend.UpdateMetadata(ctx, name, metadata))
}

func (s *AWSSecretStore) Exists(ctx context.Context, name string) (bool, error) {
	ok, err := s.backend.Exists(ctx, name)
	return ok, wrapErr(providerAWS, "exists", name, err)
}

// ListAllSecrets returns every secret name, sorted.
func (s *AWSSecretStore) ListAllSecrets(ctx context.Context) ([]string, error) {
	keys, err := s.backend.ListKeys(ctx)
	if err != nil {
		return nil, wrapErr(providerAWS, "list keys", "", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// ForceDeleteSecret removes the secret, its versions and its labels.
func (s *AWSSecretStore) ForceDeleteSecret(ctx context.Context, name string) (deleted bool, err error) {
	defer s.opts.observe(providerAWS, s.backend, "force_delete", time.Now(), &err)

	deleted, err = s.backend.DeleteSecret(ctx, name)
	if err != nil || !deleted {
		return false, wrapErr(providerAWS, "delete secret", name, err)
	}

	s.labelMu.Lock()
	defer s.labelMu.Unlock()
	if err := s.labels.DeleteLabels(ctx, name); err != nil {
		return true, wrapErr(providerAWS, "delete labels", name, err)
	}
	return true, nil
}

// DeleteSecretWithRecovery soft-deletes a secret. The recovery window is
// recorded in metadata as DeletionDate but never enforced; the secret stays
// restorable until force-deleted.
func (s *AWSSecretStore) DeleteSecretWithRecovery(ctx context.Context, name string, recoveryWindowDays int) (ok bool, deletionDate time.Time, err error) {
	defer s.opts.observe(providerAWS, s.backend, "delete_with_recovery", time.Now(), &err)

	ok, err = s.backend.DisableSecret(ctx, name)
	if err != nil || !ok {
		return false, time.Time{}, wrapErr(providerAWS, "disable secret", name, err)
	}

	if recoveryWindowDays <= 0 {
		recoveryWindowDays = 30
	}
	deletionDate = s.opts.now().Add(time.Duration(recoveryWindowDays) * 24 * time.Hour).UTC()

	md, _, err := s.backend.GetMetadata(ctx, name)
	if err != nil {
		return true, deletionDate, wrapErr(providerAWS, "get metadata", name, err)
	}
	md, err = setJSONFields(md, map[string]interface{}{
		"DeletedDate":          s.opts.now().Unix(),
		"DeletionDate":         deletionDate.Unix(),
		"RecoveryWindowInDays": recoveryWindowDays,
	})
	if err != nil {
		return true, deletionDate, err
	}
	if err := s.backend.UpdateMetadata(ctx, name, md); err != nil {
		return true, deletionDate, wrapErr(providerAWS, "update metadata", name, err)
	}

	s.opts.logger.Info("scheduled %s for deletion after %d days", name, recoveryWindowDays)
	return true, deletionDate, nil
}

// RestoreSecret cancels a pending deletion.
func (s *AWSSecretStore) RestoreSecret(ctx context.Context, name string) (ok bool, err error) {
	defer s.opts.observe(providerAWS, s.backend, "restore", time.Now(), &err)

	ok, err = s.backend.EnableSecret(ctx, name)
	if err != nil || !ok {
		return false, wrapErr(providerAWS, "enable secret", name, err)
	}

	md, found, err := s.backend.GetMetadata(ctx, name)
	if err != nil {
		return true, wrapErr(providerAWS, "get metadata", name, err)
	}
	if found {
		md, err = deleteJSONFields(md, "DeletedDate", "DeletionDate", "RecoveryWindowInDays")
		if err != nil {
			return true, err
		}
		if err := s.backend.UpdateMetadata(ctx, name, md); err != nil {
			return true, wrapErr(providerAWS, "update metadata", name, err)
		}
	}
	return true, nil
}

// IsDeleted reports whether the secret is soft-deleted (or absent).
func (s *AWSSecretStore) IsDeleted(ctx context.Context, name string) (bool, error) {
	enabled, err := s.backend.IsEnabled(ctx, name)
	if err != nil {
		return false, wrapErr(providerAWS, "is enabled", name, err)
	}
	return !enabled, nil
}

// ListAllAccounts extracts the distinct account ids from ARN metadata.
func (s *AWSSecretStore) ListAllAccounts(ctx context.Context) ([]string, error) {
	keys, err := s.backend.ListKeys(ctx)
	if err != nil {
		return nil, wrapErr(providerAWS, "list keys", "", err)
	}

	seen := make(map[string]bool)
	for _, key := range keys {
		md, ok, err := s.backend.GetMetadata(ctx, key)
		if err != nil {
			return nil, wrapErr(providerAWS, "get metadata", key, err)
		}
		if !ok {
			continue
		}
		if account := accountFromARN(gjson.GetBytes(md, "ARN").String()); account != "" {
			seen[account] = true
		}
	}
	return sortedKeys(seen), nil
}

// ListEnvironments returns the environments derived from secret tags.
// Only the Postgres backend tracks them; in memory the list is empty.
func (s *AWSSecretStore) ListEnvironments(ctx context.Context) ([]string, error) {
	r := versionstore.ReporterFor(s.backend)
	if r == nil {
		return []string{}, nil
	}
	envs, err := r.Environments(ctx, "", "")
	return envs, wrapErr(providerAWS, "list environments", "", err)
}

// ListLocations returns the regions derived from tags or ARNs.
func (s *AWSSecretStore) ListLocations(ctx context.Context) ([]string, error) {
	r := versionstore.ReporterFor(s.backend)
	if r == nil {
		return []string{}, nil
	}
	locs, err := r.Locations(ctx, "")
	return locs, wrapErr(providerAWS, "list locations", "", err)
}

// accountFromARN returns the account segment of
// arn:partition:service:region:account:resource.
func accountFromARN(arn string) string {
	parts := strings.Split(arn, ":")
	if len(parts) < 6 || parts[0] != "arn" {
		return ""
	}
	return parts[4]
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
