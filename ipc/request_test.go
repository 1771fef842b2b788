package ipc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nzilbb/jsendpraat/types"
)

func TestParseRequest_RunCommand(t *testing.T) {
	req, err := ParseRequest([]byte(`{"message":"sendpraat","sendpraat":["Praat","Play"],"authorization":"Basic eDp5","clientRef":"spoofed"}`))
	require.NoError(t, err)

	cmd, ok := req.(types.RunCommand)
	require.True(t, ok, "type = %T", req)
	assert.Equal(t, []string{"Praat", "Play"}, cmd.Script)
	assert.Equal(t, "Basic eDp5", cmd.Authorization)
}

func TestParseRequest_Upload(t *testing.T) {
	req, err := ParseRequest([]byte(`{
		"message":"upload",
		"sendpraat":["Praat","Read from file... http://x/a.TextGrid"],
		"uploadUrl":"http://x/upload",
		"fileParameter":"uploadfile",
		"fileUrl":"http://x/a.TextGrid",
		"otherParameters":{"id":"a"}
	}`))
	require.NoError(t, err)

	up, ok := req.(types.Upload)
	require.True(t, ok, "type = %T", req)
	assert.Equal(t, "http://x/upload", up.UploadURL)
	assert.Equal(t, "uploadfile", up.FileParameter)
	assert.Equal(t, map[string]any{"id": "a"}, up.OtherParameters)
}

func TestParseRequest_VersionAndMedia(t *testing.T) {
	req, err := ParseRequest([]byte(`{"message":"version"}`))
	require.NoError(t, err)
	assert.Equal(t, types.GetVersion{}, req)

	req, err = ParseRequest([]byte(`{"message":"activateAudioTags","urls":["http://x/a.wav","http://x/b.wav"]}`))
	require.NoError(t, err)
	assert.Equal(t, types.RegisterMedia{URLs: []string{"http://x/a.wav", "http://x/b.wav"}}, req)
}

func TestParseRequest_List(t *testing.T) {
	_, err := ParseRequest([]byte(`{"message":"list","tab":"7"}`))
	assert.True(t, errors.Is(err, ErrListQuery))
}

func TestParseRequest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"unknown message", `{"message":"delete"}`},
		{"missing message", `{"sendpraat":["Praat"]}`},
		{"sendpraat not array", `{"message":"sendpraat","sendpraat":"Praat"}`},
		{"sendpraat missing", `{"message":"sendpraat"}`},
		{"upload missing url", `{"message":"upload","fileParameter":"f","fileUrl":"u"}`},
		{"media urls wrong type", `{"message":"activateAudioTags","urls":[1,2]}`},
		{"not json", `nope`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRequest([]byte(tt.data))
			require.Error(t, err)
			var vErr *ValidationError
			assert.True(t, errors.As(err, &vErr), "expected ValidationError, got %T", err)
		})
	}
}
