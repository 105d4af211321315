package bridge

import "errors"

// DefaultEmbedThreshold is the decoded size below which inline payloads are
// loaded in-process
const DefaultEmbedThreshold int64 = 5 * 1024 * 1024

// Kind is the shape of an admitted request
type Kind int

const (
	KindUnknown Kind = iota
	KindURLImport
	KindInlineImport
	KindUploadHandshake
	KindProbe
)

func (k Kind) String() string {
	switch k {
	case KindURLImport:
		return "url-import"
	case KindInlineImport:
		return "inline-import"
	case KindUploadHandshake:
		return "upload-handshake"
	case KindProbe:
		return "probe"
	default:
		return "unknown"
	}
}

// Route is where an import is carried out
type Route int

const (
	RouteNone Route = iota
	RouteEmbed
	RouteServer
)

func (r Route) String() string {
	switch r {
	case RouteEmbed:
		return "embed"
	case RouteServer:
		return "server"
	default:
		return "none"
	}
}

var errNoPayload = errors.New("stlUrl or stlBase64 is required")

// Classifier decides the shape and route of a request
type Classifier struct {
	threshold int64
}

// NewClassifier creates a Classifier. A non-positive threshold uses the default.
func NewClassifier(threshold int64) *Classifier {
	if threshold <= 0 {
		threshold = DefaultEmbedThreshold
	}
	return &Classifier{threshold: threshold}
}

// Threshold is the embed size limit in decoded bytes
func (c *Classifier) Threshold() int64 {
	return c.threshold
}

// EstimateDecodedSize estimates the decoded size of a base64 payload
func EstimateDecodedSize(encodedLen int) int64 {
	return int64(float64(encodedLen) * 0.75)
}

// Classify returns the shape of req
func (c *Classifier) Classify(req Request) (Kind, error) {
	switch req.Type {
	case TypePing, TypeReadyCheck:
		return KindProbe, nil
	case TypeSTLUpload:
		return KindUploadHandshake, nil
	case TypeImportSTL, TypeSTLImport:
		switch {
		case req.StlURL != "":
			return KindURLImport, nil
		case req.StlBase64 != "":
			return KindInlineImport, nil
		default:
			return KindUnknown, errNoPayload
		}
	default:
		return KindUnknown, errors.New("unsupported message type " + req.Type)
	}
}

// Route picks embed or server for an import. URL imports always go through the server.
func (c *Classifier) Route(kind Kind, req Request) Route {
	switch kind {
	case KindURLImport:
		return RouteServer
	case KindInlineImport:
		if EstimateDecodedSize(len(req.StlBase64)) < c.threshold {
			return RouteEmbed
		}
		return RouteServer
	case KindUploadHandshake:
		if req.StlBase64 != "" {
			return RouteServer
		}
		return RouteNone
	default:
		return RouteNone
	}
}
