package bridge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuongbtq/stl-import/internal/origin"
)

func TestGatekeeper_Admit(t *testing.T) {
	strict := NewGatekeeper(origin.NewPolicy([]string{"https://allowed.example"}, false), discardLogger())
	relaxed := NewGatekeeper(origin.NewPolicy(nil, true), discardLogger())

	tests := []struct {
		name     string
		gk       *Gatekeeper
		msg      Message
		wantOK   bool
		wantType string
		wantURL  string
	}{
		{
			name:     "allowed origin with record",
			gk:       strict,
			msg:      Message{Origin: "https://allowed.example", Data: map[string]any{"type": "import-stl", "stlUrl": "https://cdn.example/a.stl"}},
			wantOK:   true,
			wantType: TypeImportSTL,
			wantURL:  "https://cdn.example/a.stl",
		},
		{
			name:     "allowed origin with json bytes",
			gk:       strict,
			msg:      Message{Origin: "https://allowed.example", Data: []byte(`{"type":"stl-import","stlUrl":"https://cdn.example/b.stl"}`)},
			wantOK:   true,
			wantType: TypeSTLImport,
			wantURL:  "https://cdn.example/b.stl",
		},
		{
			name:     "allowed origin with json raw message",
			gk:       strict,
			msg:      Message{Origin: "https://ALLOWED.example:443", Data: json.RawMessage(`{"type":"ping"}`)},
			wantOK:   true,
			wantType: TypePing,
		},
		{
			name: "origin outside allow-list",
			gk:   strict,
			msg:  Message{Origin: "https://evil.example", Data: map[string]any{"type": "ping"}},
		},
		{
			name: "opaque origin",
			gk:   strict,
			msg:  Message{Origin: "null", Data: map[string]any{"type": "ping"}},
		},
		{
			name: "plain string payload",
			gk:   strict,
			msg:  Message{Origin: "https://allowed.example", Data: "import please"},
		},
		{
			name: "json object sent as a string",
			gk:   strict,
			msg:  Message{Origin: "https://allowed.example", Data: `{"type":"ping"}`},
		},
		{
			name: "array payload",
			gk:   strict,
			msg:  Message{Origin: "https://allowed.example", Data: []byte(`[{"type":"ping"}]`)},
		},
		{
			name: "number payload",
			gk:   strict,
			msg:  Message{Origin: "https://allowed.example", Data: 42},
		},
		{
			name: "missing type",
			gk:   strict,
			msg:  Message{Origin: "https://allowed.example", Data: map[string]any{"stlUrl": "https://cdn.example/a.stl"}},
		},
		{
			name: "non string type",
			gk:   strict,
			msg:  Message{Origin: "https://allowed.example", Data: map[string]any{"type": 7}},
		},
		{
			name: "unknown type",
			gk:   strict,
			msg:  Message{Origin: "https://allowed.example", Data: map[string]any{"type": "delete-scene"}},
		},
		{
			name:     "dev mode accepts any origin",
			gk:       relaxed,
			msg:      Message{Origin: "http://localhost:3000", Data: map[string]any{"type": "fishcad-ready-check"}},
			wantOK:   true,
			wantType: TypeReadyCheck,
		},
		{
			name: "dev mode still requires a known type",
			gk:   relaxed,
			msg:  Message{Origin: "http://localhost:3000", Data: map[string]any{"type": "unknown"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, ok := tt.gk.Admit(tt.msg)
			assert.Equal(t, tt.wantOK, ok)
			if !tt.wantOK {
				return
			}
			assert.Equal(t, tt.wantType, req.Type)
			assert.Equal(t, tt.wantURL, req.StlURL)
			assert.Equal(t, tt.msg.Origin, req.Origin)
		})
	}
}

func TestGatekeeper_AdmitFields(t *testing.T) {
	gk := NewGatekeeper(origin.NewPolicy([]string{"https://allowed.example"}, false), discardLogger())

	req, ok := gk.Admit(Message{
		Origin: "https://allowed.example",
		Data: map[string]any{
			"type":      "stl-import",
			"stlBase64": "c29saWQ=",
			"fileName":  "part.stl",
			"metadata":  map[string]any{"designer": "x"},
		},
	})

	assert.True(t, ok)
	assert.Equal(t, "c29saWQ=", req.StlBase64)
	assert.Equal(t, "part.stl", req.FileName)
	assert.Equal(t, map[string]any{"designer": "x"}, req.Metadata)
}
