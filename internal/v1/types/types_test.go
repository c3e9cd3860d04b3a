package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParticipantInfo_CloneIsIndependent(t *testing.T) {
	original := ParticipantInfo{
		ParticipantID: "p1",
		Module:        map[string]json.RawMessage{"chat": json.RawMessage(`{"unread":0}`)},
	}

	clone := original.Clone()
	clone.Module["chat"] = json.RawMessage(`{"unread":5}`)
	clone.Module["poll"] = json.RawMessage(`{}`)

	assert.Equal(t, json.RawMessage(`{"unread":0}`), original.Module["chat"])
	assert.NotContains(t, original.Module, "poll")
}

func TestParticipantInfo_CloneHandlesNilModule(t *testing.T) {
	original := ParticipantInfo{ParticipantID: "p1"}
	clone := original.Clone()
	assert.Nil(t, clone.Module)
}

func TestTariffSnapshot_ModuleEnabled(t *testing.T) {
	open := TariffSnapshot{}
	assert.True(t, open.ModuleEnabled("chat"), "empty EnabledModules means no restriction")

	restricted := TariffSnapshot{EnabledModules: []string{"chat", "poll"}}
	assert.True(t, restricted.ModuleEnabled("chat"))
	assert.False(t, restricted.ModuleEnabled("media"))
}

func TestChatInfo_Validate(t *testing.T) {
	cases := []struct {
		name    string
		chat    ChatInfo
		wantErr bool
	}{
		{"valid", ChatInfo{ParticipantID: "p1", Content: "hello"}, false},
		{"empty content", ChatInfo{ParticipantID: "p1", Content: ""}, true},
		{"missing participant", ChatInfo{Content: "hello"}, true},
		{"too long", ChatInfo{ParticipantID: "p1", Content: string(make([]byte, maxChatContentLength+1))}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.chat.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
