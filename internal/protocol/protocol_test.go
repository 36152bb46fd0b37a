package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/tabrelay/internal/tabs"
)

func TestDecodeExtensionCompletions(t *testing.T) {
	msg, err := DecodeExtension([]byte(`{"type":"open_url_complete","requestId":"r1","tabId":12,"url":"https://example.com","isNewTab":true}`))
	require.NoError(t, err)

	open, ok := msg.(*OpenURLComplete)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, "r1", open.Request())
	assert.Equal(t, tabs.ID("12"), open.TabID)
	assert.True(t, open.NewTab())
	assert.Equal(t, "open_url", open.Verb())

	payload := open.Payload()
	assert.Equal(t, true, payload["success"])
	assert.Equal(t, "r1", payload["requestId"])
	assert.NotContains(t, payload, "type")

	var c Completion = open
	assert.NotNil(t, c)
}

func TestOpenURLNewTabFallback(t *testing.T) {
	no := false
	cases := []struct {
		name string
		msg  OpenURLComplete
		want bool
	}{
		{"explicit false", OpenURLComplete{IsNewTab: &no}, false},
		{"no prior tab", OpenURLComplete{}, true},
		{"navigated", OpenURLComplete{OriginalTabID: "4"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.msg.NewTab())
		})
	}
}

func TestDecodeExtensionPlainFrames(t *testing.T) {
	msg, err := DecodeExtension([]byte(`{"type":"data","payload":{"tabs":[{"id":1,"url":"https://a.test","windowId":3,"index":0}],"active_tab_id":1}}`))
	require.NoError(t, err)
	data, ok := msg.(TabsData)
	require.True(t, ok, "got %T", msg)
	require.Len(t, data.Payload.Tabs, 1)
	assert.Equal(t, tabs.ID("3"), data.Payload.Tabs[0].WindowID)
	assert.Equal(t, tabs.ID("1"), data.Payload.ActiveTabID)

	msg, err = DecodeExtension([]byte(`{"type":"tab_html_chunk","tabId":"t1","chunkIndex":2,"chunkData":"<p>","totalChunks":4}`))
	require.NoError(t, err)
	chunk, ok := msg.(TabHTMLChunk)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, 2, chunk.ChunkIndex)
	assert.Equal(t, 4, chunk.TotalChunks)

	msg, err = DecodeExtension([]byte(`{"type":"error","requestId":"r2","message":"boom"}`))
	require.NoError(t, err)
	assert.Equal(t, ExtensionError{RequestID: "r2", Message: "boom"}, msg)

	msg, err = DecodeExtension([]byte(`{"type":"telemetry","x":1}`))
	require.NoError(t, err)
	unknown, ok := msg.(Unknown)
	require.True(t, ok)
	assert.Equal(t, "telemetry", unknown.Type)

	_, err = DecodeExtension([]byte(`{not json`))
	assert.Error(t, err)
}

func TestDecodeAutomationAndValidate(t *testing.T) {
	msg, err := DecodeAutomation([]byte(`{"type":"execute_script","tabId":5,"code":"1+1"}`))
	require.NoError(t, err)
	require.NoError(t, msg.Validate())
	assert.Equal(t, VerbExecuteScript, msg.Verb())
	assert.Empty(t, msg.Base().RequestID)

	msg, err = DecodeAutomation([]byte(`{"type":"open_url","requestId":"r1"}`))
	require.NoError(t, err)
	err = msg.Validate()
	assert.True(t, errors.Is(err, ErrMissingParameter))
	assert.Contains(t, err.Error(), "url")

	msg, err = DecodeAutomation([]byte(`{"type":"launch_rockets"}`))
	require.NoError(t, err)
	assert.Equal(t, "launch_rockets", msg.Verb())
	assert.Error(t, msg.Validate())
}

func TestForwardKeepsFieldsAndSetsRequestID(t *testing.T) {
	msg, err := DecodeAutomation([]byte(`{"type":"inject_css","tabId":5,"css":"body{}","extra":{"k":1},"callbackUrl":"http://cb.test/x"}`))
	require.NoError(t, err)
	msg.Base().RequestID = "allocated"

	out, err := Forward(msg)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"inject_css","tabId":5,"css":"body{}","extra":{"k":1},"callbackUrl":"http://cb.test/x","requestId":"allocated"}`,
		string(out))

	// built in code rather than decoded
	built := &CloseTab{TabID: "9"}
	built.RequestID = "r9"
	out, err = Forward(built)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"close_tab","tabId":9,"requestId":"r9"}`, string(out))
}

func TestOutboundFrames(t *testing.T) {
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	b, err := json.Marshal(Failure(VerbGetHTML, "r1", "timeout"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"get_html_response","requestId":"r1","status":"error","error":"timeout"}`, string(b))

	b, err = json.Marshal(NewEvent("tab_opened", map[string]any{"tabId": 1}, at))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"event","event":"tab_opened","data":{"tabId":1},"timestamp":"2025-03-01T00:00:00Z"}`, string(b))

	b, err = json.Marshal(NewError(ErrInvalidJSON, "unexpected end"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","error":"invalid_json","message":"unexpected end"}`, string(b))
}
