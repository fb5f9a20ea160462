package emulator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"

	dserrors "github.com/systmms/vstore/internal/errors"
	"github.com/systmms/vstore/internal/providers"
	"github.com/systmms/vstore/pkg/versionstore"
)

// KeyVaultAPI is the subset of the azsecrets client served by the Azure
// emulator.
type KeyVaultAPI interface {
	SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, options *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error)
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
	UpdateSecretProperties(ctx context.Context, name string, version string, parameters azsecrets.UpdateSecretPropertiesParameters, options *azsecrets.UpdateSecretPropertiesOptions) (azsecrets.UpdateSecretPropertiesResponse, error)
	DeleteSecret(ctx context.Context, name string, options *azsecrets.DeleteSecretOptions) (azsecrets.DeleteSecretResponse, error)
	GetDeletedSecret(ctx context.Context, name string, options *azsecrets.GetDeletedSecretOptions) (azsecrets.GetDeletedSecretResponse, error)
	RecoverDeletedSecret(ctx context.Context, name string, options *azsecrets.RecoverDeletedSecretOptions) (azsecrets.RecoverDeletedSecretResponse, error)
	PurgeDeletedSecret(ctx context.Context, name string, options *azsecrets.PurgeDeletedSecretOptions) (azsecrets.PurgeDeletedSecretResponse, error)
	BackupSecret(ctx context.Context, name string, options *azsecrets.BackupSecretOptions) (azsecrets.BackupSecretResponse, error)
	RestoreSecret(ctx context.Context, parameters azsecrets.RestoreSecretParameters, options *azsecrets.RestoreSecretOptions) (azsecrets.RestoreSecretResponse, error)
}

var _ KeyVaultAPI = (*AzureKeyVault)(nil)

const recoveryLevel = "Recoverable+Purgeable"

// AzureKeyVault serves Key Vault secret calls from an AzureSecretStore.
type AzureKeyVault struct {
	store     *providers.AzureSecretStore
	vaultURL  string
	retention int32
}

// NewAzureKeyVault creates an emulator for the vault named vaultName.
// retentionDays is reported as RecoverableDays.
func NewAzureKeyVault(store *providers.AzureSecretStore, vaultName string, retentionDays int) *AzureKeyVault {
	if retentionDays <= 0 {
		retentionDays = providers.DefaultRetentionDays
	}
	return &AzureKeyVault{
		store:     store,
		vaultURL:  fmt.Sprintf("https://%s.vault.azure.net", vaultName),
		retention: int32(retentionDays),
	}
}

func responseError(status int, code string) error {
	return &azcore.ResponseError{StatusCode: status, ErrorCode: code}
}

// azureError maps store errors onto Key Vault responses: missing is 404,
// disabled or oversized is 400 and a name in the deleted state is 409.
func azureError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, providers.ErrSecretNotFound), errors.Is(err, providers.ErrVersionNotFound):
		return responseError(http.StatusNotFound, "SecretNotFound")
	case errors.Is(err, providers.ErrSecretDisabled), errors.Is(err, providers.ErrVersionDisabled):
		return responseError(http.StatusBadRequest, "BadParameter")
	case dserrors.IsValidation(err):
		return responseError(http.StatusBadRequest, "BadParameter")
	case errors.Is(err, providers.ErrSecretDeleted):
		return responseError(http.StatusConflict, "Conflict")
	default:
		return responseError(http.StatusInternalServerError, "InternalError")
	}
}

func (e *AzureKeyVault) secretID(name, version string) *azsecrets.ID {
	id := e.vaultURL + "/secrets/" + name
	if version != "" {
		id += "/" + version
	}
	return (*azsecrets.ID)(to.Ptr(id))
}

// secret renders a stored version together with the secret properties.
func (e *AzureKeyVault) secret(ctx context.Context, name string, v versionstore.Version) (azsecrets.Secret, error) {
	props, _, err := e.store.GetProperties(ctx, name)
	if err != nil {
		return azsecrets.Secret{}, azureError(err)
	}
	enabled, err := e.store.IsEnabled(ctx, name)
	if err != nil {
		return azsecrets.Secret{}, azureError(err)
	}

	created := v.Created()
	s := azsecrets.Secret{
		ID:    e.secretID(name, v.ID),
		Value: to.Ptr(providers.SecretValue(v)),
		Attributes: &azsecrets.SecretAttributes{
			Enabled:         to.Ptr(enabled && v.Enabled),
			Created:         &created,
			Updated:         &created,
			RecoverableDays: to.Ptr(e.retention),
			RecoveryLevel:   to.Ptr(recoveryLevel),
		},
	}
	if props.ContentType != "" {
		s.ContentType = to.Ptr(props.ContentType)
	}
	if len(props.Tags) > 0 {
		s.Tags = make(map[string]*string, len(props.Tags))
		for k, val := range props.Tags {
			s.Tags[k] = to.Ptr(val)
		}
	}
	return s, nil
}

func fromTags(tags map[string]*string) map[string]string {
	if tags == nil {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		if v != nil {
			out[k] = *v
		}
	}
	return out
}

func (e *AzureKeyVault) SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, options *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error) {
	if parameters.Value == nil {
		return azsecrets.SetSecretResponse{}, responseError(http.StatusBadRequest, "BadParameter")
	}
	id, err := e.store.SetSecret(ctx, name, *parameters.Value)
	if err != nil {
		return azsecrets.SetSecretResponse{}, azureError(err)
	}

	upd := providers.PropertiesUpdate{Tags: fromTags(parameters.Tags), ContentType: parameters.ContentType}
	if parameters.SecretAttributes != nil && parameters.SecretAttributes.Enabled != nil {
		upd.Enabled = parameters.SecretAttributes.Enabled
	}
	if upd.Tags != nil || upd.ContentType != nil || upd.Enabled != nil {
		if _, err := e.store.UpdateProperties(ctx, name, "", upd); err != nil {
			return azsecrets.SetSecretResponse{}, azureError(err)
		}
	}

	v, _, err := e.store.GetVersion(ctx, name, id)
	if err != nil {
		return azsecrets.SetSecretResponse{}, azureError(err)
	}
	s, err := e.secret(ctx, name, v)
	if err != nil {
		return azsecrets.SetSecretResponse{}, err
	}
	return azsecrets.SetSecretResponse{Secret: s}, nil
}

func (e *AzureKeyVault) GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error) {
	v, err := e.store.GetSecret(ctx, name, version)
	if err != nil {
		return azsecrets.GetSecretResponse{}, azureError(err)
	}
	s, err := e.secret(ctx, name, v)
	if err != nil {
		return azsecrets.GetSecretResponse{}, err
	}
	return azsecrets.GetSecretResponse{Secret: s}, nil
}

func (e *AzureKeyVault) UpdateSecretProperties(ctx context.Context, name string, version string, parameters azsecrets.UpdateSecretPropertiesParameters, options *azsecrets.UpdateSecretPropertiesOptions) (azsecrets.UpdateSecretPropertiesResponse, error) {
	upd := providers.PropertiesUpdate{Tags: fromTags(parameters.Tags), ContentType: parameters.ContentType}
	if parameters.SecretAttributes != nil {
		upd.Enabled = parameters.SecretAttributes.Enabled
	}
	ok, err := e.store.UpdateProperties(ctx, name, version, upd)
	if err != nil {
		return azsecrets.UpdateSecretPropertiesResponse{}, azureError(err)
	}
	if !ok {
		return azsecrets.UpdateSecretPropertiesResponse{}, responseError(http.StatusNotFound, "SecretNotFound")
	}

	var (
		v     versionstore.Version
		found bool
	)
	if version == "" {
		v, found, err = e.store.GetLatest(ctx, name)
	} else {
		v, found, err = e.store.GetVersion(ctx, name, version)
	}
	if err != nil {
		return azsecrets.UpdateSecretPropertiesResponse{}, azureError(err)
	}
	if !found {
		return azsecrets.UpdateSecretPropertiesResponse{}, responseError(http.StatusNotFound, "SecretNotFound")
	}
	s, err := e.secret(ctx, name, v)
	if err != nil {
		return azsecrets.UpdateSecretPropertiesResponse{}, err
	}
	// Properties responses never carry the value.
	s.Value = nil
	return azsecrets.UpdateSecretPropertiesResponse{Secret: s}, nil
}

func (e *AzureKeyVault) deletedSecret(name string, rec versionstore.DeletedRecord) azsecrets.DeletedSecret {
	deleted := time.Unix(rec.DeletedAt, 0).UTC()
	purge := time.Unix(rec.ScheduledPurgeAt, 0).UTC()
	ds := azsecrets.DeletedSecret{
		ID:                 e.secretID(name, ""),
		RecoveryID:         to.Ptr(e.vaultURL + "/deletedsecrets/" + name),
		DeletedDate:        &deleted,
		ScheduledPurgeDate: &purge,
		Attributes: &azsecrets.SecretAttributes{
			Enabled:         to.Ptr(!rec.Record.Disabled),
			RecoverableDays: to.Ptr(e.retention),
			RecoveryLevel:   to.Ptr(recoveryLevel),
		},
	}
	if latest, ok := rec.Record.Latest(); ok {
		ds.ID = e.secretID(name, latest.ID)
	}
	return ds
}

func (e *AzureKeyVault) DeleteSecret(ctx context.Context, name string, options *azsecrets.DeleteSecretOptions) (azsecrets.DeleteSecretResponse, error) {
	rec, ok, err := e.store.DeleteSecret(ctx, name)
	if err != nil {
		return azsecrets.DeleteSecretResponse{}, azureError(err)
	}
	if !ok {
		return azsecrets.DeleteSecretResponse{}, responseError(http.StatusNotFound, "SecretNotFound")
	}
	return azsecrets.DeleteSecretResponse{DeletedSecret: e.deletedSecret(name, rec)}, nil
}

func (e *AzureKeyVault) GetDeletedSecret(ctx context.Context, name string, options *azsecrets.GetDeletedSecretOptions) (azsecrets.GetDeletedSecretResponse, error) {
	rec, ok, err := e.store.GetDeletedSecret(ctx, name)
	if err != nil {
		return azsecrets.GetDeletedSecretResponse{}, azureError(err)
	}
	if !ok {
		return azsecrets.GetDeletedSecretResponse{}, responseError(http.StatusNotFound, "SecretNotFound")
	}
	return azsecrets.GetDeletedSecretResponse{DeletedSecret: e.deletedSecret(name, rec)}, nil
}

func (e *AzureKeyVault) RecoverDeletedSecret(ctx context.Context, name string, options *azsecrets.RecoverDeletedSecretOptions) (azsecrets.RecoverDeletedSecretResponse, error) {
	ok, err := e.store.RecoverSecret(ctx, name)
	if err != nil {
		return azsecrets.RecoverDeletedSecretResponse{}, azureError(err)
	}
	if !ok {
		return azsecrets.RecoverDeletedSecretResponse{}, responseError(http.StatusNotFound, "SecretNotFound")
	}
	v, found, err := e.store.GetLatest(ctx, name)
	if err != nil {
		return azsecrets.RecoverDeletedSecretResponse{}, azureError(err)
	}
	resp := azsecrets.RecoverDeletedSecretResponse{}
	if found {
		s, err := e.secret(ctx, name, v)
		if err != nil {
			return azsecrets.RecoverDeletedSecretResponse{}, err
		}
		s.Value = nil
		resp.Secret = s
	}
	return resp, nil
}

func (e *AzureKeyVault) PurgeDeletedSecret(ctx context.Context, name string, options *azsecrets.PurgeDeletedSecretOptions) (azsecrets.PurgeDeletedSecretResponse, error) {
	ok, err := e.store.PurgeDeletedSecret(ctx, name)
	if err != nil {
		return azsecrets.PurgeDeletedSecretResponse{}, azureError(err)
	}
	if !ok {
		return azsecrets.PurgeDeletedSecretResponse{}, responseError(http.StatusNotFound, "SecretNotFound")
	}
	return azsecrets.PurgeDeletedSecretResponse{}, nil
}

// BackupSecret returns the backup blob as bytes, the way the service does.
func (e *AzureKeyVault) BackupSecret(ctx context.Context, name string, options *azsecrets.BackupSecretOptions) (azsecrets.BackupSecretResponse, error) {
	blob, err := e.store.Backup(ctx, name)
	if err != nil {
		return azsecrets.BackupSecretResponse{}, azureError(err)
	}
	resp := azsecrets.BackupSecretResponse{}
	resp.Value = []byte(blob)
	return resp, nil
}

func (e *AzureKeyVault) RestoreSecret(ctx context.Context, parameters azsecrets.RestoreSecretParameters, options *azsecrets.RestoreSecretOptions) (azsecrets.RestoreSecretResponse, error) {
	name, id, err := e.store.Restore(ctx, string(parameters.SecretBackup), "")
	if err != nil {
		return azsecrets.RestoreSecretResponse{}, azureError(err)
	}
	v, _, err := e.store.GetVersion(ctx, name, id)
	if err != nil {
		return azsecrets.RestoreSecretResponse{}, azureError(err)
	}
	s, err := e.secret(ctx, name, v)
	if err != nil {
		return azsecrets.RestoreSecretResponse{}, err
	}
	s.Value = nil
	return azsecrets.RestoreSecretResponse{Secret: s}, nil
}
