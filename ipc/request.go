package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/nzilbb/jsendpraat/types"
)

// Requester message discriminators that are not host messages.
const (
	// MessageMedia registers the media urls found in a tab.
	MessageMedia = "activateAudioTags"
	// MessageList asks for the media urls registered for a tab.
	MessageList = "list"
)

// requestSchema describes the messages requesters may submit.
const requestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["message"],
  "properties": {
    "message": {"enum": ["sendpraat", "upload", "version", "activateAudioTags", "list"]}
  },
  "allOf": [
    {
      "if": {"properties": {"message": {"const": "sendpraat"}}},
      "then": {
        "required": ["sendpraat"],
        "properties": {
          "sendpraat": {"type": "array", "items": {"type": "string"}},
          "authorization": {"type": ["string", "null"]}
        }
      }
    },
    {
      "if": {"properties": {"message": {"const": "upload"}}},
      "then": {
        "required": ["uploadUrl", "fileParameter", "fileUrl"],
        "properties": {
          "sendpraat": {"type": "array", "items": {"type": "string"}},
          "uploadUrl": {"type": "string", "minLength": 1},
          "fileParameter": {"type": "string", "minLength": 1},
          "fileUrl": {"type": "string", "minLength": 1},
          "otherParameters": {"type": ["object", "null"]},
          "authorization": {"type": ["string", "null"]}
        }
      }
    },
    {
      "if": {"properties": {"message": {"const": "activateAudioTags"}}},
      "then": {
        "required": ["urls"],
        "properties": {
          "urls": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    {
      "if": {"properties": {"message": {"const": "list"}}},
      "then": {
        "properties": {
          "tab": {"type": ["string", "integer"]}
        }
      }
    }
  ]
}`

var compiledRequestSchema = mustCompileSchema(requestSchema)

func mustCompileSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("ipc: invalid request schema: %v", err))
	}
	return schema
}

// ValidationError lists the schema violations of a requester message.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + strings.Join(e.Problems, "; ")
}

// ErrListQuery is returned by ParseRequest for a list message, which is a
// query answered by the gateway rather than a Request.
var ErrListQuery = errors.New("list query")

type requestWire struct {
	Message         string         `json:"message"`
	Sendpraat       []string       `json:"sendpraat"`
	Authorization   *string        `json:"authorization"`
	UploadURL       string         `json:"uploadUrl"`
	FileParameter   string         `json:"fileParameter"`
	FileURL         string         `json:"fileUrl"`
	OtherParameters map[string]any `json:"otherParameters"`
	URLs            []string       `json:"urls"`
}

// ValidateRequest checks a requester message against the request schema.
func ValidateRequest(data []byte) error {
	result, err := compiledRequestSchema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return &ValidationError{Problems: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return &ValidationError{Problems: problems}
}

// ParseRequest validates a requester JSON message and converts it to a
// typed Request. Unknown discriminators are rejected. A clientRef supplied by
// the requester is ignored; the router stamps its own.
func ParseRequest(data []byte) (types.Request, error) {
	if err := ValidateRequest(data); err != nil {
		return nil, err
	}

	var w requestWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &ValidationError{Problems: []string{err.Error()}}
	}
	auth := ""
	if w.Authorization != nil {
		auth = *w.Authorization
	}

	switch w.Message {
	case messageSendpraat:
		return types.RunCommand{Script: w.Sendpraat, Authorization: auth}, nil
	case messageUpload:
		return types.Upload{
			Script:          w.Sendpraat,
			UploadURL:       w.UploadURL,
			FileParameter:   w.FileParameter,
			FileURL:         w.FileURL,
			OtherParameters: w.OtherParameters,
			Authorization:   auth,
		}, nil
	case messageVersion:
		return types.GetVersion{}, nil
	case MessageMedia:
		return types.RegisterMedia{URLs: w.URLs}, nil
	case MessageList:
		return nil, ErrListQuery
	default:
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("unknown message %q", w.Message)}}
	}
}
