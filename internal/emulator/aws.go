package emulator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/tidwall/gjson"

	dserrors "github.com/systmms/vstore/internal/errors"
	"github.com/systmms/vstore/internal/providers"
	"github.com/systmms/vstore/pkg/versionstore"
)

// SecretsManagerAPI is the subset of the Secrets Manager client served by
// the AWS emulator.
type SecretsManagerAPI interface {
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	DescribeSecret(ctx context.Context, params *secretsmanager.DescribeSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error)
	UpdateSecretVersionStage(ctx context.Context, params *secretsmanager.UpdateSecretVersionStageInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.UpdateSecretVersionStageOutput, error)
	ListSecretVersionIds(ctx context.Context, params *secretsmanager.ListSecretVersionIdsInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretVersionIdsOutput, error)
	DeleteSecret(ctx context.Context, params *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error)
	RestoreSecret(ctx context.Context, params *secretsmanager.RestoreSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.RestoreSecretOutput, error)
}

var _ SecretsManagerAPI = (*AWSSecretsManager)(nil)

// awsMetadata is the metadata blob the emulator keeps per secret.
type awsMetadata struct {
	ARN         string   `json:"ARN"`
	Name        string   `json:"Name"`
	Description string   `json:"Description,omitempty"`
	Tags        []awsTag `json:"Tags,omitempty"`
	CreatedDate int64    `json:"CreatedDate"`
}

type awsTag struct {
	Key   string `json:"Key"`
	Value string `json:"Value"`
}

// AWSSecretsManager serves Secrets Manager calls from an AWSSecretStore.
type AWSSecretsManager struct {
	store   *providers.AWSSecretStore
	region  string
	account string
	now     func() time.Time
}

// NewAWSSecretsManager creates an emulator whose ARNs carry region and
// account.
func NewAWSSecretsManager(store *providers.AWSSecretStore, region, account string) *AWSSecretsManager {
	return &AWSSecretsManager{store: store, region: region, account: account, now: time.Now}
}

func (e *AWSSecretsManager) arn(name string) string {
	return fmt.Sprintf("arn:aws:secretsmanager:%s:%s:secret:%s", e.region, e.account, name)
}

func notFound(name string) error {
	return &types.ResourceNotFoundException{
		Message: aws.String(fmt.Sprintf("Secrets Manager can't find the specified secret: %s", name)),
	}
}

func markedForDeletion(name string) error {
	return &types.InvalidRequestException{
		Message: aws.String(fmt.Sprintf("You can't perform this operation on the secret %s because it was marked for deletion.", name)),
	}
}

// awsError maps store errors onto Secrets Manager exceptions.
func awsError(err error) error {
	switch {
	case err == nil:
		return nil
	case dserrors.IsValidation(err):
		return &types.InvalidParameterException{Message: aws.String(err.Error())}
	case errors.Is(err, versionstore.ErrDuplicateVersion):
		return &types.ResourceExistsException{Message: aws.String(err.Error())}
	default:
		return &types.InternalServiceError{Message: aws.String(err.Error())}
	}
}

func awsPayload(secretString *string, secretBinary []byte) (json.RawMessage, error) {
	payload := map[string]interface{}{}
	if secretString != nil {
		payload["SecretString"] = *secretString
	}
	if secretBinary != nil {
		payload["SecretBinary"] = secretBinary
	}
	if len(payload) == 0 {
		return nil, &types.InvalidParameterException{Message: aws.String("You must provide either SecretString or SecretBinary.")}
	}
	return json.Marshal(payload)
}

// requireLive rejects missing and soft-deleted secrets.
func (e *AWSSecretsManager) requireLive(ctx context.Context, name string) error {
	exists, err := e.store.Exists(ctx, name)
	if err != nil {
		return awsError(err)
	}
	if !exists {
		return notFound(name)
	}
	deleted, err := e.store.IsDeleted(ctx, name)
	if err != nil {
		return awsError(err)
	}
	if deleted {
		return markedForDeletion(name)
	}
	return nil
}

func (e *AWSSecretsManager) CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error) {
	name := aws.ToString(params.Name)
	if name == "" {
		return nil, &types.InvalidParameterException{Message: aws.String("Name is required.")}
	}

	exists, err := e.store.Exists(ctx, name)
	if err != nil {
		return nil, awsError(err)
	}
	if exists {
		return nil, &types.ResourceExistsException{
			Message: aws.String(fmt.Sprintf("The operation failed because the secret %s already exists.", name)),
		}
	}

	md := awsMetadata{
		ARN:         e.arn(name),
		Name:        name,
		Description: aws.ToString(params.Description),
		CreatedDate: e.now().Unix(),
	}
	for _, tag := range params.Tags {
		md.Tags = append(md.Tags, awsTag{Key: aws.ToString(tag.Key), Value: aws.ToString(tag.Value)})
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return nil, err
	}
	if err := e.store.UpdateMetadata(ctx, name, raw); err != nil {
		return nil, awsError(err)
	}

	out := &secretsmanager.CreateSecretOutput{ARN: aws.String(md.ARN), Name: aws.String(name)}
	if params.SecretString == nil && params.SecretBinary == nil {
		return out, nil
	}

	data, err := awsPayload(params.SecretString, params.SecretBinary)
	if err != nil {
		return nil, err
	}
	id, err := e.store.AddVersion(ctx, name, data, aws.ToString(params.ClientRequestToken))
	if err != nil {
		return nil, awsError(err)
	}
	out.VersionId = aws.String(id)
	return out, nil
}

func (e *AWSSecretsManager) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	name := aws.ToString(params.SecretId)
	if err := e.requireLive(ctx, name); err != nil {
		return nil, err
	}

	var (
		v   versionstore.Version
		ok  bool
		err error
	)
	switch {
	case params.VersionId != nil:
		v, ok, err = e.store.GetVersion(ctx, name, aws.ToString(params.VersionId))
	case params.VersionStage != nil:
		v, ok, err = e.store.GetVersionByLabel(ctx, name, aws.ToString(params.VersionStage))
	default:
		v, ok, err = e.store.GetCurrent(ctx, name)
	}
	if err != nil {
		return nil, awsError(err)
	}
	if !ok {
		return nil, notFound(name)
	}

	stages, err := e.store.VersionStages(ctx, name, v.ID)
	if err != nil {
		return nil, awsError(err)
	}
	created := v.Created()
	out := &secretsmanager.GetSecretValueOutput{
		ARN:           aws.String(e.arn(name)),
		Name:          aws.String(name),
		VersionId:     aws.String(v.ID),
		VersionStages: stages,
		CreatedDate:   &created,
	}
	if s := gjson.GetBytes(v.Data, "SecretString"); s.Exists() {
		out.SecretString = aws.String(s.String())
	}
	if b := gjson.GetBytes(v.Data, "SecretBinary"); b.Exists() {
		decoded, err := base64.StdEncoding.DecodeString(b.String())
		if err != nil {
			return nil, awsError(err)
		}
		out.SecretBinary = decoded
	}
	return out, nil
}

func (e *AWSSecretsManager) PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error) {
	name := aws.ToString(params.SecretId)
	if err := e.requireLive(ctx, name); err != nil {
		return nil, err
	}

	data, err := awsPayload(params.SecretString, params.SecretBinary)
	if err != nil {
		return nil, err
	}
	id, err := e.store.AddVersion(ctx, name, data, aws.ToString(params.ClientRequestToken))
	if err != nil {
		return nil, awsError(err)
	}

	// Extra stages requested by the caller are attached on top of the
	// AWSCURRENT promotion.
	for _, stage := range params.VersionStages {
		if stage == providers.AWSCurrent {
			continue
		}
		if _, err := e.store.UpdateStagingLabel(ctx, name, stage, "", id); err != nil {
			return nil, awsError(err)
		}
	}

	stages, err := e.store.VersionStages(ctx, name, id)
	if err != nil {
		return nil, awsError(err)
	}
	return &secretsmanager.PutSecretValueOutput{
		ARN:           aws.String(e.arn(name)),
		Name:          aws.String(name),
		VersionId:     aws.String(id),
		VersionStages: stages,
	}, nil
}

func (e *AWSSecretsManager) DescribeSecret(ctx context.Context, params *secretsmanager.DescribeSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error) {
	name := aws.ToString(params.SecretId)
	exists, err := e.store.Exists(ctx, name)
	if err != nil {
		return nil, awsError(err)
	}
	if !exists {
		return nil, notFound(name)
	}

	raw, _, err := e.store.GetMetadata(ctx, name)
	if err != nil {
		return nil, awsError(err)
	}
	stages, err := e.store.VersionIDsToStages(ctx, name)
	if err != nil {
		return nil, awsError(err)
	}

	out := &secretsmanager.DescribeSecretOutput{
		ARN:                aws.String(e.arn(name)),
		Name:               aws.String(name),
		VersionIdsToStages: stages,
	}
	md := gjson.ParseBytes(raw)
	if d := md.Get("Description"); d.Exists() {
		out.Description = aws.String(d.String())
	}
	if c := md.Get("CreatedDate"); c.Exists() {
		created := time.Unix(c.Int(), 0).UTC()
		out.CreatedDate = &created
	}
	if d := md.Get("DeletedDate"); d.Exists() {
		deleted := time.Unix(d.Int(), 0).UTC()
		out.DeletedDate = &deleted
	}
	for _, tag := range md.Get("Tags").Array() {
		out.Tags = append(out.Tags, types.Tag{
			Key:   aws.String(tag.Get("Key").String()),
			Value: aws.String(tag.Get("Value").String()),
		})
	}
	return out, nil
}

func (e *AWSSecretsManager) UpdateSecretVersionStage(ctx context.Context, params *secretsmanager.UpdateSecretVersionStageInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.UpdateSecretVersionStageOutput, error) {
	name := aws.ToString(params.SecretId)
	if err := e.requireLive(ctx, name); err != nil {
		return nil, err
	}
	stage := aws.ToString(params.VersionStage)
	if stage == "" || params.MoveToVersionId == nil {
		return nil, &types.InvalidParameterException{Message: aws.String("VersionStage and MoveToVersionId are required.")}
	}

	ok, err := e.store.UpdateStagingLabel(ctx, name, stage, aws.ToString(params.RemoveFromVersionId), aws.ToString(params.MoveToVersionId))
	if err != nil {
		return nil, awsError(err)
	}
	if !ok {
		return nil, &types.InvalidParameterException{
			Message: aws.String(fmt.Sprintf("The version ids for secret %s are not valid.", name)),
		}
	}
	return &secretsmanager.UpdateSecretVersionStageOutput{
		ARN:  aws.String(e.arn(name)),
		Name: aws.String(name),
	}, nil
}

func (e *AWSSecretsManager) ListSecretVersionIds(ctx context.Context, params *secretsmanager.ListSecretVersionIdsInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretVersionIdsOutput, error) {
	name := aws.ToString(params.SecretId)
	versions, ok, err := e.store.ListVersions(ctx, name)
	if err != nil {
		return nil, awsError(err)
	}
	if !ok {
		return nil, notFound(name)
	}
	byID, err := e.store.VersionIDsToStages(ctx, name)
	if err != nil {
		return nil, awsError(err)
	}

	out := &secretsmanager.ListSecretVersionIdsOutput{
		ARN:  aws.String(e.arn(name)),
		Name: aws.String(name),
	}
	for _, v := range versions {
		stages := byID[v.ID]
		// Versions without a stage are deprecated.
		if len(stages) == 0 && !aws.ToBool(params.IncludeDeprecated) {
			continue
		}
		created := v.Created()
		out.Versions = append(out.Versions, types.SecretVersionsListEntry{
			VersionId:     aws.String(v.ID),
			VersionStages: stages,
			CreatedDate:   &created,
		})
	}
	sort.SliceStable(out.Versions, func(i, j int) bool {
		return out.Versions[i].CreatedDate.After(*out.Versions[j].CreatedDate)
	})
	return out, nil
}

func (e *AWSSecretsManager) DeleteSecret(ctx context.Context, params *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error) {
	name := aws.ToString(params.SecretId)
	if aws.ToBool(params.ForceDeleteWithoutRecovery) && params.RecoveryWindowInDays != nil {
		return nil, &types.InvalidParameterException{
			Message: aws.String("You can't use ForceDeleteWithoutRecovery in conjunction with RecoveryWindowInDays."),
		}
	}

	out := &secretsmanager.DeleteSecretOutput{ARN: aws.String(e.arn(name)), Name: aws.String(name)}

	if aws.ToBool(params.ForceDeleteWithoutRecovery) {
		ok, err := e.store.ForceDeleteSecret(ctx, name)
		if err != nil {
			return nil, awsError(err)
		}
		if !ok {
			return nil, notFound(name)
		}
		now := e.now().UTC()
		out.DeletionDate = &now
		return out, nil
	}

	window := int(aws.ToInt64(params.RecoveryWindowInDays))
	if params.RecoveryWindowInDays != nil && (window < 7 || window > 30) {
		return nil, &types.InvalidParameterException{
			Message: aws.String("RecoveryWindowInDays must be between 7 and 30 days."),
		}
	}
	ok, deletion, err := e.store.DeleteSecretWithRecovery(ctx, name, window)
	if err != nil {
		return nil, awsError(err)
	}
	if !ok {
		return nil, notFound(name)
	}
	out.DeletionDate = &deletion
	return out, nil
}

func (e *AWSSecretsManager) RestoreSecret(ctx context.Context, params *secretsmanager.RestoreSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.RestoreSecretOutput, error) {
	name := aws.ToString(params.SecretId)
	ok, err := e.store.RestoreSecret(ctx, name)
	if err != nil {
		return nil, awsError(err)
	}
	if !ok {
		return nil, notFound(name)
	}
	return &secretsmanager.RestoreSecretOutput{ARN: aws.String(e.arn(name)), Name: aws.String(name)}, nil
}
