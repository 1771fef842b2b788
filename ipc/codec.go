package ipc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nzilbb/jsendpraat/types"
)

// ErrNotForwarded is returned when encoding a request kind the host never sees.
var ErrNotForwarded = errors.New("request kind is not forwarded to the host")

// Host message discriminators.
const (
	messageSendpraat = "sendpraat"
	messageUpload    = "upload"
	messageVersion   = "version"
	messageProgress  = "progress"
)

type sendpraatWire struct {
	Message       string   `json:"message"`
	Sendpraat     []string `json:"sendpraat"`
	Authorization string   `json:"authorization,omitempty"`
	ClientRef     string   `json:"clientRef,omitempty"`
}

// uploadWire always carries sendpraat and otherParameters; the host rejects
// upload messages missing either.
type uploadWire struct {
	Message         string         `json:"message"`
	Sendpraat       []string       `json:"sendpraat"`
	UploadURL       string         `json:"uploadUrl"`
	FileParameter   string         `json:"fileParameter"`
	FileURL         string         `json:"fileUrl"`
	OtherParameters map[string]any `json:"otherParameters"`
	Authorization   string         `json:"authorization,omitempty"`
	ClientRef       string         `json:"clientRef,omitempty"`
}

type versionWire struct {
	Message   string `json:"message"`
	ClientRef string `json:"clientRef,omitempty"`
}

// EncodeRequest renders a request as the host's JSON payload, stamped with
// ref as clientRef. An empty ref omits the field.
func EncodeRequest(req types.Request, ref types.SenderID) ([]byte, error) {
	var wire any
	switch r := req.(type) {
	case types.RunCommand:
		wire = sendpraatWire{
			Message:       messageSendpraat,
			Sendpraat:     nonNilLines(r.Script),
			Authorization: r.Authorization,
			ClientRef:     string(ref),
		}
	case types.Upload:
		params := r.OtherParameters
		if params == nil {
			params = map[string]any{}
		}
		wire = uploadWire{
			Message:         messageUpload,
			Sendpraat:       nonNilLines(r.Script),
			UploadURL:       r.UploadURL,
			FileParameter:   r.FileParameter,
			FileURL:         r.FileURL,
			OtherParameters: params,
			Authorization:   r.Authorization,
			ClientRef:       string(ref),
		}
	case types.GetVersion:
		wire = versionWire{Message: messageVersion, ClientRef: string(ref)}
	case nil:
		return nil, errors.New("nil request")
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotForwarded, req.Kind())
	}

	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", req.Kind(), err)
	}
	return payload, nil
}

// VersionProbe returns the handshake payload: {"message":"version"}.
func VersionProbe() []byte {
	return []byte(`{"message":"version"}`)
}

func nonNilLines(lines []string) []string {
	if lines == nil {
		return []string{}
	}
	return lines
}

// clientRef accepts the echoed reference as a JSON string or number.
type clientRef types.SenderID

func (c *clientRef) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = clientRef(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("clientRef must be a string or number: %w", err)
	}
	*c = clientRef(n.String())
	return nil
}

type replyWire struct {
	Message   *string   `json:"message"`
	Code      *float64  `json:"code"`
	ClientRef clientRef `json:"clientRef"`
	Version   string    `json:"version"`
	Error     *string   `json:"error"`
	String    string    `json:"string"`
	Value     float64   `json:"value"`
	Maximum   float64   `json:"maximum"`
}

// DecodeReply classifies a host payload into a Reply variant.
//
// Classification order:
//   - message "version", or code >= 900: VersionInfo
//   - message "progress" with error: ErrorReply
//   - message "progress": Progress
//   - message absent, "sendpraat" or "upload" with a code: StatusCode
//
// Anything else is a FrameErrorProtocol error.
func DecodeReply(payload []byte) (types.Reply, error) {
	var w replyWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode host reply", Err: err}
	}

	header := types.ReplyHeader{
		Ref: types.SenderID(w.ClientRef),
		Raw: json.RawMessage(payload),
	}
	message := ""
	if w.Message != nil {
		message = *w.Message
	}
	code := 0
	if w.Code != nil {
		code = int(*w.Code)
	}
	errText := ""
	if w.Error != nil {
		errText = *w.Error
	}

	switch {
	case message == messageVersion || (w.Code != nil && types.IsVersionCode(code)):
		return types.VersionInfo{ReplyHeader: header, Version: w.Version, Code: code, Error: errText}, nil

	case message == messageProgress && w.Error != nil:
		return types.ErrorReply{ReplyHeader: header, Message: errText, Code: code}, nil

	case message == messageProgress:
		return types.Progress{
			ReplyHeader: header,
			Label:       w.String,
			Value:       int(w.Value),
			Maximum:     int(w.Maximum),
		}, nil

	case w.Message == nil || message == messageSendpraat || message == messageUpload:
		if w.Code == nil {
			return nil, &FrameError{Kind: FrameErrorProtocol, Msg: "status reply has no code"}
		}
		return types.StatusCode{ReplyHeader: header, Code: code, Error: errText, Message: message}, nil

	default:
		return nil, &FrameError{
			Kind: FrameErrorProtocol,
			Msg:  fmt.Sprintf("unknown reply discriminator %q", message),
		}
	}
}

// EncodeReply returns the JSON object for a reply. Replies decoded from the
// host return their original bytes.
func EncodeReply(r types.Reply) ([]byte, error) {
	header := r.Header()
	if len(header.Raw) > 0 {
		return header.Raw, nil
	}

	m := map[string]any{}
	if header.Ref != "" {
		m["clientRef"] = string(header.Ref)
	}
	switch v := r.(type) {
	case types.VersionInfo:
		m["message"] = messageVersion
		m["code"] = v.Code
		if v.Version != "" {
			m["version"] = v.Version
		}
		if v.Error != "" {
			m["error"] = v.Error
		}
	case types.StatusCode:
		if v.Message != "" {
			m["message"] = v.Message
		}
		m["code"] = v.Code
		if v.Error != "" {
			m["error"] = v.Error
		}
	case types.Progress:
		m["message"] = messageProgress
		m["string"] = v.Label
		m["value"] = v.Value
		m["maximum"] = v.Maximum
	case types.ErrorReply:
		m["message"] = messageProgress
		m["error"] = v.Message
		m["code"] = v.Code
	default:
		return nil, fmt.Errorf("unknown reply type %T", r)
	}
	return json.Marshal(m)
}
