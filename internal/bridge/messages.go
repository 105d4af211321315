// Package bridge is the embedding-page side of the import pipeline. It admits
// cross-context messages from allow-listed origins, routes each import to the
// embed path or the import service, follows server jobs over the realtime
// channel and answers the requesting context.
package bridge

import "github.com/cuongbtq/stl-import/internal/registry"

// Inbound message types
const (
	TypeImportSTL  = "import-stl"
	TypeSTLImport  = "stl-import"
	TypeSTLUpload  = "stl-upload"
	TypeReadyCheck = "fishcad-ready-check"
	TypePing       = "ping"
)

// Outbound message types
const (
	TypeReady              = "fishcad-ready"
	TypeReadyResponse      = "fishcad-ready-response"
	TypePong               = "pong"
	TypeImportResponse     = "stl-import-response"
	TypeUploadReady        = "stl-upload-ready"
	TypeUploadResponse     = "stl-upload-response"
	responseSuffix         = "-response"
	defaultModelName       = "model.stl"
	messageImportStarted   = "Import started"
	messageImportCompleted = "Model imported"
)

var recognizedTypes = map[string]struct{}{
	TypeImportSTL:  {},
	TypeSTLImport:  {},
	TypeSTLUpload:  {},
	TypeReadyCheck: {},
	TypePing:       {},
}

// Message is one inbound cross-context message as the page receives it
type Message struct {
	Origin string
	// Data is the posted payload: a map[string]any, or JSON object bytes
	Data any
}

// Request is an admitted message
type Request struct {
	Type      string
	Origin    string
	StlURL    string
	StlBase64 string
	FileName  string
	Metadata  map[string]any
}

// Response is every outbound message
type Response struct {
	Type      string        `json:"type"`
	Success   bool          `json:"success"`
	ImportID  string        `json:"importId,omitempty"`
	Message   string        `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
	Ready     bool          `json:"ready,omitempty"`
	UploadURL string        `json:"uploadUrl,omitempty"`
	Job       *registry.Job `json:"job,omitempty"`
}

// responseType names the failure response for a request type
func responseType(requestType string) string {
	switch requestType {
	case TypeImportSTL, TypeSTLImport, "":
		return TypeImportResponse
	default:
		return requestType + responseSuffix
	}
}
