// Package types defines the bridge data model shared by the framer, the host
// connection, the router and the gateway.
package types

import (
	"encoding/json"
	"strconv"
)

// SenderID identifies a live requester. Tabs use their numeric browser id,
// the popup uses PopupSender. Ids may be reused once a requester is gone.
type SenderID string

// PopupSender is the fixed id of the singleton popup surface.
const PopupSender SenderID = "popup"

// TabSender returns the sender id of a browser tab.
func TabSender(tabID int) SenderID {
	return SenderID(strconv.Itoa(tabID))
}

// String returns the id as carried in clientRef.
func (id SenderID) String() string { return string(id) }

// RequestKind discriminates Request variants. Forwarded kinds match the
// host's message field.
type RequestKind string

// Request kinds.
const (
	RequestRunCommand    RequestKind = "sendpraat"
	RequestUpload        RequestKind = "upload"
	RequestGetVersion    RequestKind = "version"
	RequestRegisterMedia RequestKind = "media"
)

// Forwarded reports whether requests of this kind are written to the host.
func (k RequestKind) Forwarded() bool {
	switch k {
	case RequestRunCommand, RequestUpload, RequestGetVersion:
		return true
	default:
		return false
	}
}

// Request is a closed union: RunCommand, Upload, GetVersion or RegisterMedia.
type Request interface {
	Kind() RequestKind
	isRequest()
}

// RunCommand asks the host to run a script. Script holds one line per
// element; http URLs in it are downloaded by the host first.
type RunCommand struct {
	Script        []string
	Authorization string
}

// Upload runs Script and then posts the file at FileURL to UploadURL.
type Upload struct {
	Script          []string
	UploadURL       string
	FileParameter   string
	FileURL         string
	OtherParameters map[string]any
	Authorization   string
}

// GetVersion asks the host for its build stamp.
type GetVersion struct{}

// RegisterMedia records the media urls found in a tab. It never reaches the
// host; the router keeps the list and updates the tab's badge.
type RegisterMedia struct {
	URLs []string
}

// Kind implements Request.
func (RunCommand) Kind() RequestKind { return RequestRunCommand }

// Kind implements Request.
func (Upload) Kind() RequestKind { return RequestUpload }

// Kind implements Request.
func (GetVersion) Kind() RequestKind { return RequestGetVersion }

// Kind implements Request.
func (RegisterMedia) Kind() RequestKind { return RequestRegisterMedia }

func (RunCommand) isRequest()    {}
func (Upload) isRequest()        {}
func (GetVersion) isRequest()    {}
func (RegisterMedia) isRequest() {}

// ReplyKind discriminates Reply variants.
type ReplyKind string

// Reply kinds.
const (
	ReplyVersion  ReplyKind = "version"
	ReplyStatus   ReplyKind = "status"
	ReplyProgress ReplyKind = "progress"
	ReplyError    ReplyKind = "error"
)

// Reply is a closed union: VersionInfo, StatusCode, Progress or ErrorReply.
type Reply interface {
	Kind() ReplyKind
	Header() ReplyHeader
	isReply()
}

// ReplyHeader carries the fields every host reply shares.
type ReplyHeader struct {
	// Ref is the echoed clientRef. Empty when the host sent none.
	Ref SenderID
	// Raw is the host's JSON object, forwarded to requesters unchanged.
	Raw json.RawMessage
}

// Header implements Reply.
func (h ReplyHeader) Header() ReplyHeader { return h }

// VersionInfo announces the host build stamp. Version may be empty.
type VersionInfo struct {
	ReplyHeader
	Version string
	Code    int
	// Error is set when the announcement came from a code >= 900 failure.
	Error string
}

// StatusCode is the final reply to a sendpraat or upload request.
// Code 0 is success.
type StatusCode struct {
	ReplyHeader
	Code    int
	Error   string
	Message string
}

// Progress reports download or upload progress for a request.
type Progress struct {
	ReplyHeader
	Label   string
	Value   int
	Maximum int
}

// ErrorReply is a progress-channel failure raised by the host mid-request.
type ErrorReply struct {
	ReplyHeader
	Message string
	Code    int
}

// Kind implements Reply.
func (VersionInfo) Kind() ReplyKind { return ReplyVersion }

// Kind implements Reply.
func (StatusCode) Kind() ReplyKind { return ReplyStatus }

// Kind implements Reply.
func (Progress) Kind() ReplyKind { return ReplyProgress }

// Kind implements Reply.
func (ErrorReply) Kind() ReplyKind { return ReplyError }

func (VersionInfo) isReply() {}
func (StatusCode) isReply()  {}
func (Progress) isReply()    {}
func (ErrorReply) isReply()  {}

// Host reply codes.
const (
	CodeSuccess         = 0
	CodeScriptFailed    = 1
	CodeNotFound        = 100
	CodeEmptyScript     = 500
	CodeTransferFailed  = 600
	CodeUploadIOFailed  = 700
	CodeUploadURLFailed = 800
	CodeVersionMinimum  = 900
	CodeInvalidMessage  = 999
)

// IsVersionCode reports whether a status code is reinterpreted as a version
// announcement.
func IsVersionCode(code int) bool {
	return code >= CodeVersionMinimum
}
