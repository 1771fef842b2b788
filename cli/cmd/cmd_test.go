package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/nzilbb/jsendpraat/adapter"
	"github.com/nzilbb/jsendpraat/cli/config"
	"github.com/nzilbb/jsendpraat/host"
	"github.com/nzilbb/jsendpraat/host/hosttest"
	"github.com/nzilbb/jsendpraat/ipc"
	"github.com/nzilbb/jsendpraat/journal"
	"github.com/nzilbb/jsendpraat/log"
	"github.com/nzilbb/jsendpraat/router"
	"github.com/nzilbb/jsendpraat/types"
)

const (
	waitTimeout = 2 * time.Second
	goodVersion = "20240101.1200"
	oldVersion  = "20100101.0000"
)

func TestReadOnlyFlags_IncludesTUI(t *testing.T) {
	flags := ReadOnlyFlags()

	hasTUI := false
	for _, f := range flags {
		if f.Names()[0] == "tui" {
			hasTUI = true
			break
		}
	}

	if !hasTUI {
		t.Error("ReadOnlyFlags should include --tui flag for explicit error handling")
	}
}

func TestConfigFlags(t *testing.T) {
	var names []string
	for _, f := range ConfigFlags() {
		names = append(names, f.Names()[0])
	}
	if strings.Join(names, ",") != "config,log-level" {
		t.Errorf("ConfigFlags = %v, want [config log-level]", names)
	}
}

func TestExitCodes(t *testing.T) {
	codes := map[string]int{
		"exitSuccess":     exitSuccess,
		"exitHostFailure": exitHostFailure,
		"exitUnavailable": exitUnavailable,
		"exitUsage":       exitUsage,
	}
	seen := make(map[int]string)
	for name, code := range codes {
		if other, ok := seen[code]; ok {
			t.Errorf("%s and %s share exit code %d", name, other, code)
		}
		seen[code] = name
	}
	if exitSuccess != 0 {
		t.Errorf("exitSuccess = %d, want 0", exitSuccess)
	}
}

// sendHarness runs runSend in the background against fake hosts.
type sendHarness struct {
	launcher *hosttest.Launcher
	replies  chan types.Reply
	result   chan error
}

func startSend(t *testing.T, req types.Request, timeout time.Duration) *sendHarness {
	t.Helper()
	return startSendWith(t, hosttest.NewLauncher(false), req, timeout)
}

func startSendWith(t *testing.T, launcher *hosttest.Launcher, req types.Request, timeout time.Duration) *sendHarness {
	t.Helper()
	h := &sendHarness{
		launcher: launcher,
		replies:  make(chan types.Reply, 16),
		result:   make(chan error, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		h.result <- runSend(ctx, sendOptions{
			Launcher: h.launcher,
			Request:  req,
			Timeout:  timeout,
			Logger:   log.Nop(),
			OnReply: func(reply types.Reply) error {
				h.replies <- reply
				return nil
			},
		})
	}()
	return h
}

func (h *sendHarness) nextHost(t *testing.T) *hosttest.FakeHost {
	t.Helper()
	fake, err := h.launcher.Next(waitTimeout)
	if err != nil {
		t.Fatalf("launcher.Next: %v", err)
	}
	return fake
}

func (h *sendHarness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.result:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("runSend did not return")
		return nil
	}
}

func readRequest(t *testing.T, fake *hosttest.FakeHost) map[string]any {
	t.Helper()
	req, err := fake.ReadRequest()
	if err != nil {
		t.Fatalf("ReadRequest failed: %v", err)
	}
	return req
}

func handshake(t *testing.T, fake *hosttest.FakeHost, version string) {
	t.Helper()
	probe := readRequest(t, fake)
	if probe["message"] != "version" {
		t.Fatalf("first frame = %v, want version probe", probe)
	}
	if err := fake.Send(map[string]any{"message": "version", "version": version, "code": 0}); err != nil {
		t.Fatalf("send version: %v", err)
	}
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		return exitSuccess
	}
	var coder cli.ExitCoder
	if !errors.As(err, &coder) {
		t.Fatalf("error %v is not a cli.ExitCoder", err)
	}
	return coder.ExitCode()
}

func TestRunSend_Success(t *testing.T) {
	h := startSend(t, types.RunCommand{Script: []string{"Read from file... /tmp/a.wav", "Edit"}}, waitTimeout)
	fake := h.nextHost(t)
	handshake(t, fake, goodVersion)

	req := readRequest(t, fake)
	if req["message"] != "sendpraat" || req["clientRef"] != "cli" {
		t.Fatalf("request = %v, want sendpraat from cli", req)
	}
	lines, _ := req["sendpraat"].([]any)
	if len(lines) != 2 {
		t.Fatalf("sendpraat lines = %v, want 2", req["sendpraat"])
	}

	if err := fake.Send(map[string]any{"message": "progress", "string": "Downloading", "value": 1, "maximum": 2, "clientRef": "cli"}); err != nil {
		t.Fatal(err)
	}
	if err := fake.Send(map[string]any{"message": "sendpraat", "code": 0, "clientRef": "cli"}); err != nil {
		t.Fatal(err)
	}

	if code := exitCode(t, h.wait(t)); code != exitSuccess {
		t.Fatalf("exit code = %d, want %d", code, exitSuccess)
	}
	if got := len(h.replies); got != 2 {
		t.Errorf("rendered %d replies, want 2 (progress and status)", got)
	}
}

func TestRunSend_ScriptFailure(t *testing.T) {
	h := startSend(t, types.RunCommand{Script: []string{"Bogus"}}, waitTimeout)
	fake := h.nextHost(t)
	handshake(t, fake, goodVersion)
	readRequest(t, fake)

	if err := fake.Send(map[string]any{"message": "sendpraat", "code": 1, "error": "Command not available", "clientRef": "cli"}); err != nil {
		t.Fatal(err)
	}
	if code := exitCode(t, h.wait(t)); code != exitHostFailure {
		t.Fatalf("exit code = %d, want %d", code, exitHostFailure)
	}
}

func TestRunSend_Version(t *testing.T) {
	h := startSend(t, types.GetVersion{}, waitTimeout)
	fake := h.nextHost(t)
	handshake(t, fake, goodVersion)

	req := readRequest(t, fake)
	if req["message"] != "version" || req["clientRef"] != "cli" {
		t.Fatalf("request = %v, want version query from cli", req)
	}
	if err := fake.Send(map[string]any{"message": "version", "version": goodVersion, "clientRef": "cli"}); err != nil {
		t.Fatal(err)
	}
	if code := exitCode(t, h.wait(t)); code != exitSuccess {
		t.Fatalf("exit code = %d, want %d", code, exitSuccess)
	}
	reply := <-h.replies
	if v, ok := reply.(types.VersionInfo); !ok || v.Version != goodVersion {
		t.Errorf("reply = %#v, want VersionInfo %s", reply, goodVersion)
	}
}

func TestRunSend_HostRejected(t *testing.T) {
	h := startSend(t, types.RunCommand{Script: []string{"Edit"}}, waitTimeout)
	fake := h.nextHost(t)
	handshake(t, fake, oldVersion)

	err := h.wait(t)
	if code := exitCode(t, err); code != exitUnavailable {
		t.Fatalf("exit code = %d, want %d", code, exitUnavailable)
	}
	if !strings.Contains(err.Error(), "upgrade.html") {
		t.Errorf("message %q should point at the upgrade page", err.Error())
	}
}

func TestRunSend_HostMissing(t *testing.T) {
	launcher := hosttest.NewLauncher(false)
	launcher.FailWith(&host.TransportError{Kind: host.TransportNotInstalled, Err: errors.New("executable file not found")})
	h := startSendWith(t, launcher, types.RunCommand{Script: []string{"Edit"}}, waitTimeout)

	err := h.wait(t)
	if code := exitCode(t, err); code != exitUnavailable {
		t.Fatalf("exit code = %d, want %d", code, exitUnavailable)
	}
	if !strings.Contains(err.Error(), "install.html") {
		t.Errorf("message %q should point at the install page", err.Error())
	}
}

func TestRunSend_Timeout(t *testing.T) {
	h := startSend(t, types.RunCommand{Script: []string{"Edit"}}, 100*time.Millisecond)
	// The host launches but never answers the probe.
	h.nextHost(t)

	err := h.wait(t)
	if code := exitCode(t, err); code != exitUnavailable {
		t.Fatalf("exit code = %d, want %d", code, exitUnavailable)
	}
	if !strings.Contains(err.Error(), "no reply") {
		t.Errorf("message = %q, want timeout message", err.Error())
	}
}

func TestFinalExitCode(t *testing.T) {
	tests := []struct {
		name     string
		reply    types.Reply
		wantCode int
		wantDone bool
	}{
		{"status ok", types.StatusCode{Code: 0}, exitSuccess, true},
		{"status failed", types.StatusCode{Code: types.CodeScriptFailed}, exitHostFailure, true},
		{"status not found", types.StatusCode{Code: types.CodeNotFound}, exitHostFailure, true},
		{"version", types.VersionInfo{Version: goodVersion}, exitSuccess, true},
		{"version failure", types.VersionInfo{Code: types.CodeInvalidMessage, Error: "Invalid message"}, exitHostFailure, true},
		{"error reply", types.ErrorReply{Message: "download failed"}, exitHostFailure, true},
		{"progress", types.Progress{Label: "Downloading"}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, done := finalExitCode(tt.reply)
			if done != tt.wantDone || code != tt.wantCode {
				t.Errorf("finalExitCode = (%d, %v), want (%d, %v)", code, done, tt.wantCode, tt.wantDone)
			}
		})
	}
}

func TestNoticeMessage(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	install := adapter.NewNotice(adapter.NoticeInstallNeeded, "inst", "", types.MinHostVersion, "not installed", now)
	if got := noticeMessage(install); got != "host unavailable: not installed (see install.html)" {
		t.Errorf("install message = %q", got)
	}

	upgrade := adapter.NewNotice(adapter.NoticeUpgradeNeeded, "inst", oldVersion, types.MinHostVersion, "", now)
	got := noticeMessage(upgrade)
	if !strings.Contains(got, oldVersion) || !strings.Contains(got, types.MinHostVersion) || !strings.HasSuffix(got, "(see upgrade.html)") {
		t.Errorf("upgrade message = %q", got)
	}
}

func TestNewReplyView(t *testing.T) {
	v := NewReplyView(types.StatusCode{ReplyHeader: types.ReplyHeader{Ref: "7"}, Code: 100, Error: "File not found"})
	if v.Kind != "status" || v.Ref != "7" || v.Code == nil || *v.Code != 100 || v.Message != "File not found" {
		t.Errorf("status view = %+v", v)
	}

	p := NewReplyView(types.Progress{Label: "Uploading", Value: 3, Maximum: 9})
	if p.Kind != "progress" || p.Label != "Uploading" || *p.Value != 3 || *p.Maximum != 9 || p.Code != nil {
		t.Errorf("progress view = %+v", p)
	}
}

func TestReadScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.praat")
	if err := os.WriteFile(path, []byte("Read from file... a.wav\r\nPlay\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	lines, err := readScript(path)
	if err != nil {
		t.Fatalf("readScript: %v", err)
	}
	if len(lines) != 2 || lines[0] != "Read from file... a.wav" || lines[1] != "Play" {
		t.Errorf("lines = %q", lines)
	}

	if _, err := readScript(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing script")
	}
}

func TestStatusURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"127.0.0.1:7397", "http://127.0.0.1:7397/status"},
		{"http://localhost:9000/", "http://localhost:9000/status"},
		{"https://bridge.example", "https://bridge.example/status"},
	}
	for _, tt := range tests {
		if got := statusURL(tt.addr); got != tt.want {
			t.Errorf("statusURL(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestHTTPStatusSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(router.Status{
			State:          types.StateReady,
			HostVersion:    goodVersion,
			MinimumVersion: types.MinHostVersion,
			Generation:     3,
			Senders:        []types.SenderID{"7"},
		})
	}))
	t.Cleanup(srv.Close)

	source := httpStatusSource(statusURL(srv.URL), srv.Client())
	status, err := source(t.Context())
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	if status.State != types.StateReady || status.HostVersion != goodVersion || status.Generation != 3 {
		t.Errorf("status = %+v", status)
	}
}

func TestHTTPStatusSource_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "router closed", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	source := httpStatusSource(statusURL(srv.URL), srv.Client())
	if _, err := source(t.Context()); err == nil {
		t.Fatal("expected error for 503")
	}
}

func TestDecodeFrames_Prefixed(t *testing.T) {
	var stream []byte
	for _, payload := range []string{
		`{"message":"version","version":"20240101.1200"}`,
		`{"message":"progress","string":"Downloading","value":1,"maximum":4,"clientRef":7}`,
		`{"message":"sendpraat","code":0,"clientRef":"7"}`,
		`{"message":"bogus"}`,
	} {
		frame, err := ipc.EncodeFrame([]byte(payload))
		if err != nil {
			t.Fatal(err)
		}
		stream = append(stream, frame...)
	}

	resp := decodeFrames(strings.NewReader(string(stream)), ipc.FramerConfig{})
	if resp.StreamError != "" {
		t.Fatalf("StreamError = %q", resp.StreamError)
	}
	if len(resp.Frames) != 4 {
		t.Fatalf("frames = %d, want 4", len(resp.Frames))
	}
	if resp.Frames[0].Kind != "version" || resp.Frames[0].Version != goodVersion {
		t.Errorf("frame 0 = %+v", resp.Frames[0])
	}
	if resp.Frames[1].Kind != "progress" || resp.Frames[1].Ref != "7" {
		t.Errorf("frame 1 = %+v", resp.Frames[1])
	}
	if resp.Frames[2].Kind != "status" || resp.Frames[2].Code == nil || *resp.Frames[2].Code != 0 {
		t.Errorf("frame 2 = %+v", resp.Frames[2])
	}
	if resp.Frames[3].Error == "" {
		t.Errorf("frame 3 should carry a decode error: %+v", resp.Frames[3])
	}
}

func TestDecodeFrames_RawTruncated(t *testing.T) {
	stream := `{"message":"sendpraat","code":0} {"message":"progress","string":"Up`
	resp := decodeFrames(strings.NewReader(stream), ipc.FramerConfig{Raw: true})
	if len(resp.Frames) != 1 || resp.Frames[0].Kind != "status" {
		t.Fatalf("frames = %+v, want one status frame", resp.Frames)
	}
	if resp.StreamError == "" {
		t.Error("expected a stream error for the truncated tail")
	}
}

// flagContext builds a cli.Context over string flags.
func flagContext(t *testing.T, values map[string]string) *cli.Context {
	t.Helper()
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	for _, name := range []string{"config", "log-level", "backend", "path", "region", "endpoint", "day", "sender", "direction"} {
		set.String(name, "", "")
	}
	set.Bool("s3-path-style", false, "")
	set.Int("limit", 0, "")
	for k, v := range values {
		if err := set.Set(k, v); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}
	return cli.NewContext(cli.NewApp(), set, nil)
}

func TestJournalFilterFromFlags(t *testing.T) {
	f, err := journalFilterFromFlags(flagContext(t, map[string]string{
		"day": "2026-01-02", "sender": "tab:7", "direction": "dropped", "limit": "5",
	}))
	if err != nil {
		t.Fatalf("journalFilterFromFlags: %v", err)
	}
	if f.Day != "2026-01-02" || f.Sender != "tab:7" || f.Direction != journal.DirectionDropped || f.Limit != 5 {
		t.Errorf("filter = %+v", f)
	}

	if _, err := journalFilterFromFlags(flagContext(t, map[string]string{"direction": "sideways"})); err == nil {
		t.Error("expected error for unknown direction")
	}
}

func TestJournalConfigFromFlags(t *testing.T) {
	tests := []struct {
		name    string
		values  map[string]string
		wantErr bool
	}{
		{"fs", map[string]string{"backend": "fs", "path": "/tmp/journal"}, false},
		{"s3", map[string]string{"backend": "s3", "path": "bucket/prefix", "region": "us-east-1"}, false},
		{"no backend", map[string]string{}, true},
		{"none", map[string]string{"backend": "none"}, true},
		{"missing path", map[string]string{"backend": "fs"}, true},
		{"unknown", map[string]string{"backend": "ftp", "path": "x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := journalConfigFromFlags(flagContext(t, tt.values))
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestJournalList_FSRoundTrip(t *testing.T) {
	dir := t.TempDir()
	jc := config.JournalConfig{Backend: config.JournalFS, Path: dir}

	ds, err := openDataset(t.Context(), jc)
	if err != nil {
		t.Fatalf("openDataset: %v", err)
	}
	sink := journal.NewLodeSink(ds)
	now := time.Now().UTC()
	records := []journal.Record{
		{Time: now, Session: "s1", Sender: "7", Direction: journal.DirectionOut, Kind: "sendpraat", Size: 40},
		{Time: now.Add(time.Second), Session: "s1", Sender: "7", Direction: journal.DirectionIn, Kind: "status", Code: journal.IntPtr(0), Size: 30},
	}
	if err := sink.Write(t.Context(), records); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := journal.List(t.Context(), ds, journal.Filter{Direction: journal.DirectionIn})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].Kind != "status" {
		t.Errorf("records = %+v, want the status reply", got)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jsendpraat.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig_LogLevelFlag(t *testing.T) {
	path := writeConfig(t, "state_path: "+filepath.Join(t.TempDir(), "state.db")+"\n")

	cfg, err := loadConfig(flagContext(t, map[string]string{"config": path, "log-level": "debug"}))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}

	if _, err := loadConfig(flagContext(t, map[string]string{"config": path, "log-level": "loud"})); err == nil {
		t.Error("expected error for invalid log level")
	}
}

func TestBuildNotifier(t *testing.T) {
	tests := []struct {
		name    string
		notify  config.NotifyConfig
		wantErr bool
		check   func(t *testing.T, n adapter.Notifier)
	}{
		{
			name:   "log",
			notify: config.NotifyConfig{Type: config.NotifyLog},
			check: func(t *testing.T, n adapter.Notifier) {
				if _, ok := n.(*adapter.LogNotifier); !ok {
					t.Errorf("notifier = %T, want *adapter.LogNotifier", n)
				}
			},
		},
		{
			name:   "webhook",
			notify: config.NotifyConfig{Type: config.NotifyWebhook, URL: "http://127.0.0.1:1/hook"},
			check: func(t *testing.T, n adapter.Notifier) {
				if m, ok := n.(adapter.Multi); !ok || len(m) != 2 {
					t.Errorf("notifier = %#v, want Multi of two", n)
				}
			},
		},
		{
			name:   "redis",
			notify: config.NotifyConfig{Type: config.NotifyRedis, URL: "redis://127.0.0.1:1/0"},
			check: func(t *testing.T, n adapter.Notifier) {
				if m, ok := n.(adapter.Multi); !ok || len(m) != 2 {
					t.Errorf("notifier = %#v, want Multi of two", n)
				}
			},
		},
		{name: "webhook without url", notify: config.NotifyConfig{Type: config.NotifyWebhook}, wantErr: true},
		{name: "redis bad url", notify: config.NotifyConfig{Type: config.NotifyRedis, URL: "://"}, wantErr: true},
		{name: "unknown", notify: config.NotifyConfig{Type: "pager"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Notify: tt.notify}
			n, err := buildNotifier(cfg, log.Nop())
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("buildNotifier: %v", err)
			}
			t.Cleanup(func() { _ = n.Close() })
			tt.check(t, n)
		})
	}
}

func TestBuildComponents(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		StatePath: filepath.Join(dir, "state.db"),
		Host:      config.HostConfig{Command: "jsendpraat-host", RawFrames: true},
		Journal:   config.JournalConfig{Backend: config.JournalFS, Path: filepath.Join(dir, "journal")},
		Notify:    config.NotifyConfig{Type: config.NotifyLog},
	}
	cfg.ApplyDefaults()

	comp, err := buildComponents(t.Context(), cfg)
	if err != nil {
		t.Fatalf("buildComponents: %v", err)
	}
	if _, ok := comp.journal.(*journal.Buffered); !ok {
		t.Errorf("journal = %T, want *journal.Buffered", comp.journal)
	}
	if snap := comp.collector.Snapshot(); snap.Framing != "raw" || snap.JournalBackend != config.JournalFS {
		t.Errorf("collector dimensions = %q/%q", snap.Framing, snap.JournalBackend)
	}
	inst, err := comp.store.Load(t.Context())
	if err != nil || inst.ID == "" {
		t.Errorf("store Load = %+v, %v", inst, err)
	}
	if err := comp.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestBuildJournal_None(t *testing.T) {
	cfg := &config.Config{Journal: config.JournalConfig{Backend: config.JournalNone}}
	rec, err := buildJournal(t.Context(), cfg, log.Nop(), nil)
	if err != nil {
		t.Fatalf("buildJournal: %v", err)
	}
	if rec != journal.Discard {
		t.Errorf("recorder = %T, want journal.Discard", rec)
	}
}

func TestSignalContext(t *testing.T) {
	ctx, stop := signalContext()
	defer stop()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("kill: %v", err)
	}
	select {
	case <-ctx.Done():
	case <-time.After(waitTimeout):
		t.Fatal("context not cancelled by SIGTERM")
	}
}

func TestSignalContext_StopCancels(t *testing.T) {
	ctx, stop := signalContext()
	stop()
	select {
	case <-ctx.Done():
	default:
		t.Fatal("stop should cancel the context")
	}
}
