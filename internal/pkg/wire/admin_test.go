package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestAdminFieldsRoundTrip(t *testing.T) {
	fields, err := AdminFields(OpServerShutdown, ShutdownPayload{Restart: true})
	require.NoError(t, err)

	op, payload, err := ParseAdminFields(fields)
	require.NoError(t, err)
	require.Equal(t, OpServerShutdown, op)

	var sd ShutdownPayload
	require.NoError(t, msgpack.Unmarshal(payload, &sd))
	require.True(t, sd.Restart)
}

func TestParseAdminFieldsRejectsUnknownOp(t *testing.T) {
	_, _, err := ParseAdminFields(map[string][]byte{"operation": {0xff}})
	require.Error(t, err)
	_, _, err = ParseAdminFields(map[string][]byte{})
	require.Error(t, err)
}

func TestAdminOpDirections(t *testing.T) {
	require.True(t, OpPortalFullSync.ServerBound())
	require.Equal(t, CmdServerAdmin, OpPortalSessionConnect.Command())
	require.False(t, OpServerLogin.ServerBound())
	require.Equal(t, CmdPortalAdmin, OpServerShutdown.Command())
}

func TestDataFieldsNilTextSurvives(t *testing.T) {
	fields, err := DataFields(nil, map[string]any{"ping": int8(1)})
	require.NoError(t, err)
	_, hasText := fields["text"]
	require.False(t, hasText)

	text, data, err := ParseDataFields(fields)
	require.NoError(t, err)
	require.Nil(t, text)
	require.NotNil(t, data)
}

func TestDataFieldsEmptyTextIsNotNil(t *testing.T) {
	empty := ""
	fields, err := DataFields(&empty, nil)
	require.NoError(t, err)

	text, _, err := ParseDataFields(fields)
	require.NoError(t, err)
	require.NotNil(t, text)
	require.Equal(t, "", *text)
}
