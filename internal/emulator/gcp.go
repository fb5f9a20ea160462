package emulator

import (
	"context"
	"strings"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	dserrors "github.com/systmms/vstore/internal/errors"
	"github.com/systmms/vstore/internal/providers"
	"github.com/systmms/vstore/pkg/versionstore"
)

// SecretManagerAPI is the subset of the Secret Manager client served by
// the GCP emulator.
type SecretManagerAPI interface {
	CreateSecret(ctx context.Context, req *secretmanagerpb.CreateSecretRequest) (*secretmanagerpb.Secret, error)
	GetSecret(ctx context.Context, req *secretmanagerpb.GetSecretRequest) (*secretmanagerpb.Secret, error)
	UpdateSecret(ctx context.Context, req *secretmanagerpb.UpdateSecretRequest) (*secretmanagerpb.Secret, error)
	ListSecrets(ctx context.Context, req *secretmanagerpb.ListSecretsRequest) SecretIterator
	AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest) (*secretmanagerpb.SecretVersion, error)
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error)
	GetSecretVersion(ctx context.Context, req *secretmanagerpb.GetSecretVersionRequest) (*secretmanagerpb.SecretVersion, error)
	EnableSecretVersion(ctx context.Context, req *secretmanagerpb.EnableSecretVersionRequest) (*secretmanagerpb.SecretVersion, error)
	DisableSecretVersion(ctx context.Context, req *secretmanagerpb.DisableSecretVersionRequest) (*secretmanagerpb.SecretVersion, error)
	DeleteSecret(ctx context.Context, req *secretmanagerpb.DeleteSecretRequest) error
}

// SecretIterator walks ListSecrets results. Next returns iterator.Done
// after the last secret.
type SecretIterator interface {
	Next() (*secretmanagerpb.Secret, error)
}

var _ SecretManagerAPI = (*GCPSecretManager)(nil)

// GCPSecretManager serves Secret Manager calls from a GCPSecretStore.
type GCPSecretManager struct {
	store *providers.GCPSecretStore
}

// NewGCPSecretManager creates a GCP emulator on store.
func NewGCPSecretManager(store *providers.GCPSecretStore) *GCPSecretManager {
	return &GCPSecretManager{store: store}
}

// parseSecretName splits projects/{p}/secrets/{s}.
func parseSecretName(name string) (project, secret string, err error) {
	parts := strings.Split(name, "/")
	if len(parts) != 4 || parts[0] != "projects" || parts[2] != "secrets" || parts[1] == "" || parts[3] == "" {
		return "", "", status.Errorf(codes.InvalidArgument, "invalid secret name %q", name)
	}
	return parts[1], parts[3], nil
}

// parseVersionName splits projects/{p}/secrets/{s}/versions/{v}.
func parseVersionName(name string) (project, secret, version string, err error) {
	base, version, found := strings.Cut(name, "/versions/")
	if !found || version == "" || strings.Contains(version, "/") {
		return "", "", "", status.Errorf(codes.InvalidArgument, "invalid secret version name %q", name)
	}
	project, secret, err = parseSecretName(base)
	return project, secret, version, err
}

func parseParent(parent string) (string, error) {
	project, ok := strings.CutPrefix(parent, "projects/")
	if !ok || project == "" || strings.Contains(project, "/") {
		return "", status.Errorf(codes.InvalidArgument, "invalid parent %q", parent)
	}
	return project, nil
}

// gcpError maps store errors onto gRPC status errors.
func gcpError(err error) error {
	switch {
	case err == nil:
		return nil
	case dserrors.IsValidation(err):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func toMetadata(s *secretmanagerpb.Secret) providers.SecretMetadata {
	md := providers.SecretMetadata{
		Labels:         s.GetLabels(),
		Annotations:    s.GetAnnotations(),
		VersionAliases: s.GetVersionAliases(),
	}
	if r := s.GetReplication(); r != nil {
		switch {
		case r.GetAutomatic() != nil:
			md.Replication = &providers.Replication{Automatic: true}
		case r.GetUserManaged() != nil:
			md.Replication = &providers.Replication{}
			for _, replica := range r.GetUserManaged().GetReplicas() {
				md.Replication.Locations = append(md.Replication.Locations, replica.GetLocation())
			}
		}
	}
	for _, topic := range s.GetTopics() {
		md.Topics = append(md.Topics, topic.GetName())
	}
	return md
}

func toSecret(name string, md providers.SecretMetadata, created *timestamppb.Timestamp) *secretmanagerpb.Secret {
	s := &secretmanagerpb.Secret{
		Name:           name,
		CreateTime:     created,
		Labels:         md.Labels,
		Annotations:    md.Annotations,
		VersionAliases: md.VersionAliases,
	}
	if r := md.Replication; r != nil {
		if r.Automatic {
			s.Replication = &secretmanagerpb.Replication{
				Replication: &secretmanagerpb.Replication_Automatic_{Automatic: &secretmanagerpb.Replication_Automatic{}},
			}
		} else {
			um := &secretmanagerpb.Replication_UserManaged{}
			for _, loc := range r.Locations {
				um.Replicas = append(um.Replicas, &secretmanagerpb.Replication_UserManaged_Replica{Location: loc})
			}
			s.Replication = &secretmanagerpb.Replication{
				Replication: &secretmanagerpb.Replication_UserManaged_{UserManaged: um},
			}
		}
	}
	for _, topic := range md.Topics {
		s.Topics = append(s.Topics, &secretmanagerpb.Topic{Name: topic})
	}
	return s
}

func toVersion(project, secret string, v versionstore.Version) *secretmanagerpb.SecretVersion {
	state := secretmanagerpb.SecretVersion_ENABLED
	if !v.Enabled {
		state = secretmanagerpb.SecretVersion_DISABLED
	}
	return &secretmanagerpb.SecretVersion{
		Name:       providers.SecretKey(project, secret) + "/versions/" + v.ID,
		CreateTime: timestamppb.New(v.Created()),
		State:      state,
	}
}

// createTime is the creation time of the first version, if any.
func (e *GCPSecretManager) createTime(ctx context.Context, project, secret string) *timestamppb.Timestamp {
	versions, _, err := e.store.ListVersions(ctx, project, secret)
	if err != nil || len(versions) == 0 {
		return nil
	}
	return timestamppb.New(versions[0].Created())
}

func (e *GCPSecretManager) CreateSecret(ctx context.Context, req *secretmanagerpb.CreateSecretRequest) (*secretmanagerpb.Secret, error) {
	project, err := parseParent(req.GetParent())
	if err != nil {
		return nil, err
	}
	if req.GetSecretId() == "" {
		return nil, status.Error(codes.InvalidArgument, "secret_id is required")
	}

	md := toMetadata(req.GetSecret())
	created, err := e.store.CreateSecret(ctx, project, req.GetSecretId(), md)
	if err != nil {
		return nil, gcpError(err)
	}
	if !created {
		return nil, status.Errorf(codes.AlreadyExists, "Secret [%s] already exists.", providers.SecretKey(project, req.GetSecretId()))
	}
	return toSecret(providers.SecretKey(project, req.GetSecretId()), md, timestamppb.Now()), nil
}

func (e *GCPSecretManager) GetSecret(ctx context.Context, req *secretmanagerpb.GetSecretRequest) (*secretmanagerpb.Secret, error) {
	project, secret, err := parseSecretName(req.GetName())
	if err != nil {
		return nil, err
	}
	md, ok, err := e.store.GetMetadata(ctx, project, secret)
	if err != nil {
		return nil, gcpError(err)
	}
	if !ok {
		return nil, status.Errorf(codes.NotFound, "Secret [%s] not found.", req.GetName())
	}
	return toSecret(req.GetName(), md, e.createTime(ctx, project, secret)), nil
}

func (e *GCPSecretManager) UpdateSecret(ctx context.Context, req *secretmanagerpb.UpdateSecretRequest) (*secretmanagerpb.Secret, error) {
	if req.GetSecret() == nil {
		return nil, status.Error(codes.InvalidArgument, "secret is required")
	}
	project, secret, err := parseSecretName(req.GetSecret().GetName())
	if err != nil {
		return nil, err
	}
	if len(req.GetUpdateMask().GetPaths()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "update_mask is required")
	}

	ok, err := e.store.UpdateMetadata(ctx, project, secret, toMetadata(req.GetSecret()), req.GetUpdateMask().GetPaths())
	if err != nil {
		return nil, gcpError(err)
	}
	if !ok {
		return nil, status.Errorf(codes.NotFound, "Secret [%s] not found.", req.GetSecret().GetName())
	}
	return e.GetSecret(ctx, &secretmanagerpb.GetSecretRequest{Name: req.GetSecret().GetName()})
}

type secretIterator struct {
	secrets []*secretmanagerpb.Secret
	err     error
}

func (it *secretIterator) Next() (*secretmanagerpb.Secret, error) {
	if it.err != nil {
		return nil, it.err
	}
	if len(it.secrets) == 0 {
		return nil, iterator.Done
	}
	s := it.secrets[0]
	it.secrets = it.secrets[1:]
	return s, nil
}

func (e *GCPSecretManager) ListSecrets(ctx context.Context, req *secretmanagerpb.ListSecretsRequest) SecretIterator {
	project, err := parseParent(req.GetParent())
	if err != nil {
		return &secretIterator{err: err}
	}
	names, err := e.store.ListSecrets(ctx, project)
	if err != nil {
		return &secretIterator{err: gcpError(err)}
	}

	it := &secretIterator{}
	for _, name := range names {
		md, ok, err := e.store.GetMetadata(ctx, project, name)
		if err != nil {
			return &secretIterator{err: gcpError(err)}
		}
		if !ok {
			continue
		}
		it.secrets = append(it.secrets, toSecret(providers.SecretKey(project, name), md, e.createTime(ctx, project, name)))
	}
	return it
}

func (e *GCPSecretManager) AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest) (*secretmanagerpb.SecretVersion, error) {
	project, secret, err := parseSecretName(req.GetParent())
	if err != nil {
		return nil, err
	}
	exists, err := e.store.Exists(ctx, project, secret)
	if err != nil {
		return nil, gcpError(err)
	}
	if !exists {
		return nil, status.Errorf(codes.NotFound, "Secret [%s] not found.", req.GetParent())
	}

	id, err := e.store.AddPayload(ctx, project, secret, req.GetPayload().GetData())
	if err != nil {
		return nil, gcpError(err)
	}
	v, _, err := e.store.GetVersion(ctx, project, secret, id)
	if err != nil {
		return nil, gcpError(err)
	}
	return toVersion(project, secret, v), nil
}

func (e *GCPSecretManager) AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	project, secret, version, err := parseVersionName(req.GetName())
	if err != nil {
		return nil, err
	}
	v, ok, err := e.store.AccessVersion(ctx, project, secret, version)
	if err != nil {
		return nil, gcpError(err)
	}
	if !ok {
		return nil, status.Errorf(codes.NotFound, "Secret Version [%s] not found or disabled.", req.GetName())
	}
	data, err := providers.DecodePayload(v)
	if err != nil {
		return nil, gcpError(err)
	}
	return &secretmanagerpb.AccessSecretVersionResponse{
		Name:    toVersion(project, secret, v).GetName(),
		Payload: &secretmanagerpb.SecretPayload{Data: data},
	}, nil
}

// lookupVersion resolves a version name without the access checks.
func (e *GCPSecretManager) lookupVersion(ctx context.Context, name string) (string, string, versionstore.Version, error) {
	project, secret, version, err := parseVersionName(name)
	if err != nil {
		return "", "", versionstore.Version{}, err
	}
	var (
		v  versionstore.Version
		ok bool
	)
	if version == providers.LatestVersion {
		v, ok, err = e.store.AccessVersion(ctx, project, secret, version)
	} else {
		v, ok, err = e.store.GetVersion(ctx, project, secret, version)
	}
	if err != nil {
		return "", "", versionstore.Version{}, gcpError(err)
	}
	if !ok {
		return "", "", versionstore.Version{}, status.Errorf(codes.NotFound, "Secret Version [%s] not found.", name)
	}
	return project, secret, v, nil
}

func (e *GCPSecretManager) GetSecretVersion(ctx context.Context, req *secretmanagerpb.GetSecretVersionRequest) (*secretmanagerpb.SecretVersion, error) {
	project, secret, v, err := e.lookupVersion(ctx, req.GetName())
	if err != nil {
		return nil, err
	}
	return toVersion(project, secret, v), nil
}

func (e *GCPSecretManager) setVersionState(ctx context.Context, name string, enabled bool) (*secretmanagerpb.SecretVersion, error) {
	project, secret, v, err := e.lookupVersion(ctx, name)
	if err != nil {
		return nil, err
	}
	if enabled {
		_, err = e.store.EnableVersion(ctx, project, secret, v.ID)
	} else {
		_, err = e.store.DisableVersion(ctx, project, secret, v.ID)
	}
	if err != nil {
		return nil, gcpError(err)
	}
	v.Enabled = enabled
	return toVersion(project, secret, v), nil
}

func (e *GCPSecretManager) EnableSecretVersion(ctx context.Context, req *secretmanagerpb.EnableSecretVersionRequest) (*secretmanagerpb.SecretVersion, error) {
	return e.setVersionState(ctx, req.GetName(), true)
}

func (e *GCPSecretManager) DisableSecretVersion(ctx context.Context, req *secretmanagerpb.DisableSecretVersionRequest) (*secretmanagerpb.SecretVersion, error) {
	return e.setVersionState(ctx, req.GetName(), false)
}

func (e *GCPSecretManager) DeleteSecret(ctx context.Context, req *secretmanagerpb.DeleteSecretRequest) error {
	project, secret, err := parseSecretName(req.GetName())
	if err != nil {
		return err
	}
	deleted, err := e.store.DeleteSecret(ctx, project, secret)
	if err != nil {
		return gcpError(err)
	}
	if !deleted {
		return status.Errorf(codes.NotFound, "Secret [%s] not found.", req.GetName())
	}
	return nil
}

