package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationErrorsIs(t *testing.T) {
	validation := &ValidationErrors{}
	validation.Add("host_id", ErrInvalidHostID)

	err := validation.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidHostID))
}

func TestValidationErrorsListsEveryField(t *testing.T) {
	validation := &ValidationErrors{}
	validation.Add("hostname", ErrInvalidHostname)
	validation.Add("identity_file", nil)
	validation.Add("port", ErrInvalidPort)

	err := validation.Err()
	require.Error(t, err)
	assert.Equal(t, "hostname: hostname is required; port: port must be between 1 and 65535", err.Error())

	var list *ValidationErrors
	require.True(t, errors.As(err, &list))
	require.Len(t, list.Fields, 2)
	assert.Equal(t, "port", list.Fields[1].Field)
}

func TestValidationErrorsEmpty(t *testing.T) {
	assert.NoError(t, (&ValidationErrors{}).Err())
	var nilList *ValidationErrors
	assert.NoError(t, nilList.Err())
}

func TestConnectionParamsValidate(t *testing.T) {
	valid := ConnectionParams{HostID: "web1", Hostname: "10.0.0.5", User: "deploy"}
	require.NoError(t, valid.Validate())

	err := ConnectionParams{HostID: "web1", Port: 70000}.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidHostname))
	assert.True(t, errors.Is(err, ErrInvalidUser))
	assert.True(t, errors.Is(err, ErrInvalidPort))
	assert.False(t, errors.Is(err, ErrInvalidHostID))
}

func TestConnectionParamsAddressing(t *testing.T) {
	p := ConnectionParams{HostID: "db", Hostname: "db.internal", User: "root", Credentials: Credentials{Password: "hunter2"}}

	assert.Equal(t, 22, p.EffectivePort())
	assert.Equal(t, "db.internal:22", p.Addr())
	assert.Equal(t, "root@db.internal:22", p.Target())
	assert.NotContains(t, p.Target(), "hunter2")

	p.Port = 2222
	assert.Equal(t, "[::1]:2222", ConnectionParams{Hostname: "::1", Port: 2222}.Addr())
	assert.Equal(t, "root@db.internal:2222", p.Target())
}

func TestDirectHostID(t *testing.T) {
	assert.Equal(t, "ops@example.com:22", DirectHostID("ops", "example.com", 0))
	assert.Equal(t, "ops@example.com:2200", DirectHostID("ops", "example.com", 2200))
}
