package network

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"lanportal/protocol"
)

// testPair wires a sender engine to a live server over loopback TCP and
// drains the response stream into a buffered channel.
type testPair struct {
	master    *Master
	responses chan protocol.Response
	dir       string
}

func startPair(t *testing.T) *testPair {
	t.Helper()

	dir := t.TempDir()
	server, err := Listen("127.0.0.1:0", SlaveOptions{
		ReceiveDir: dir,
		Logger:     discardLogger(),
	})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() {
		_ = server.Close()
	})

	master, err := Dial(server.Addr().String(), MasterOptions{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() {
		_ = master.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	responses := make(chan protocol.Response, 64)
	go func() {
		_ = master.RecvResponses(ctx, responses)
	}()

	return &testPair{master: master, responses: responses, dir: dir}
}

func (p *testPair) nextResponse(t *testing.T) protocol.Response {
	t.Helper()

	select {
	case response := <-p.responses:
		return response
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for response")
		return nil
	}
}

func waitResult(t *testing.T, results <-chan TransferResult) TransferResult {
	t.Helper()

	select {
	case result := <-results:
		return result
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for transfer result")
		return TransferResult{}
	}
}

func writeTempFile(t *testing.T, name string, size int) (string, []byte) {
	t.Helper()

	content := make([]byte, size)
	if _, err := rand.Read(content); err != nil {
		t.Fatalf("generate content: %v", err)
	}

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write source file: %v", err)
	}
	return path, content
}

func TestMasterPing(t *testing.T) {
	p := startPair(t)

	if err := p.master.Ping(); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if resp := p.nextResponse(t); resp != (protocol.Pong{}) {
		t.Fatalf("expected Pong, got %#v", resp)
	}
}

func TestEndToEndTransfer(t *testing.T) {
	p := startPair(t)

	// 5000 bytes fragments into 1477+1477+1477+569.
	path, content := writeTempFile(t, "payload.bin", 5000)

	ctrl, results := p.master.SendFile(path)
	result := waitResult(t, results)

	if result.Err != nil {
		t.Fatalf("transfer failed: %v", result.Err)
	}
	if result.Aborted {
		t.Fatalf("transfer unexpectedly aborted")
	}
	if result.BytesSent != int64(len(content)) {
		t.Fatalf("BytesSent = %d, want %d", result.BytesSent, len(content))
	}
	if result.TaskID != ctrl.ID() {
		t.Fatalf("result task id %s does not match handle %s", result.TaskID, ctrl.ID())
	}

	digest := sha256.Sum256(content)
	if result.FileID != digest[0] {
		t.Fatalf("FileID = %#x, want first digest byte %#x", result.FileID, digest[0])
	}

	// Metadata, four fragments, end of file: six acknowledgements.
	for i := 0; i < 6; i++ {
		if resp := p.nextResponse(t); resp != (protocol.Ok{}) {
			t.Fatalf("response %d: expected Ok, got %#v", i, resp)
		}
	}

	saved, err := os.ReadFile(filepath.Join(p.dir, "payload.bin"))
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	if !bytes.Equal(saved, content) {
		t.Fatalf("received content does not match source")
	}
}

func TestAbortedTransferLeavesNoFile(t *testing.T) {
	p := startPair(t)
	go func() {
		// The abort path does not care which acknowledgements arrive.
		for range p.responses {
		}
	}()

	bigPath, _ := writeTempFile(t, "big.bin", 4<<20)

	ctrl, results := p.master.SendFile(bigPath)
	ctrl.Pause()
	ctrl.Abort()

	result := waitResult(t, results)
	if result.Err != nil {
		t.Fatalf("aborted transfer reported error: %v", result.Err)
	}
	if !result.Aborted {
		t.Fatalf("expected Aborted result")
	}
	if status, done := ctrl.Status(); status != TaskAborted || !done {
		t.Fatalf("handle status = %v done=%v, want aborted and done", status, done)
	}

	// A follow-up transfer on the same connection proves the receiver
	// processed the drop and stayed healthy.
	smallPath, smallContent := writeTempFile(t, "small.bin", 600)
	_, followUp := p.master.SendFile(smallPath)
	if result := waitResult(t, followUp); result.Err != nil || result.Aborted {
		t.Fatalf("follow-up transfer failed: %+v", result)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if saved, err := os.ReadFile(filepath.Join(p.dir, "small.bin")); err == nil {
			if !bytes.Equal(saved, smallContent) {
				t.Fatalf("follow-up content mismatch")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("follow-up file never materialized")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Requests are handled in order, so by now the drop is fully applied.
	if _, err := os.Stat(filepath.Join(p.dir, "big.bin")); !os.IsNotExist(err) {
		t.Fatalf("aborted file must not be written, stat err: %v", err)
	}
}

func TestClosedControlHandleAborts(t *testing.T) {
	p := startPair(t)
	go func() {
		for range p.responses {
		}
	}()

	path, _ := writeTempFile(t, "doomed.bin", 4<<20)

	ctrl, results := p.master.SendFile(path)
	ctrl.Pause()
	ctrl.Close()

	result := waitResult(t, results)
	if !result.Aborted {
		t.Fatalf("closing the handle must abort the transfer, got %+v", result)
	}
}

func TestPauseFreezesProgressUntilResume(t *testing.T) {
	p := startPair(t)
	go func() {
		for range p.responses {
		}
	}()

	path, content := writeTempFile(t, "steady.bin", 64<<10)

	ctrl, results := p.master.SendFile(path)
	ctrl.Pause()

	// While paused the loop must not produce a terminal result.
	select {
	case result := <-results:
		t.Fatalf("paused task finished early: %+v", result)
	case <-time.After(1500 * time.Millisecond):
	}

	ctrl.Resume()
	result := waitResult(t, results)
	if result.Err != nil || result.Aborted {
		t.Fatalf("resumed transfer failed: %+v", result)
	}
	if result.BytesSent != int64(len(content)) {
		t.Fatalf("BytesSent = %d, want %d", result.BytesSent, len(content))
	}
}

func TestSendFileRejectsNonRegularPath(t *testing.T) {
	p := startPair(t)

	_, results := p.master.SendFile(t.TempDir())
	result := waitResult(t, results)
	if !errors.Is(result.Err, ErrNotAFile) {
		t.Fatalf("expected ErrNotAFile, got %v", result.Err)
	}
}

func TestTaskRegistryLookup(t *testing.T) {
	p := startPair(t)
	go func() {
		for range p.responses {
		}
	}()

	path, _ := writeTempFile(t, "tiny.bin", 128)
	ctrl, results := p.master.SendFile(path)
	waitResult(t, results)

	found, err := p.master.Task(ctrl.ID())
	if err != nil {
		t.Fatalf("Task lookup failed: %v", err)
	}
	if found != ctrl {
		t.Fatalf("Task returned a different handle")
	}
	if tasks := p.master.Tasks(); len(tasks) != 1 {
		t.Fatalf("expected 1 registered task, got %d", len(tasks))
	}

	if _, err := p.master.Task(uuid.New()); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestDisplayName(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/tmp/photos/cat.jpg", "cat.jpg"},
		{"cat.jpg", "cat.jpg"},
		{"./cat.jpg", "cat.jpg"},
		{"/", untitledFileName},
		{".", untitledFileName},
	}
	for _, tc := range cases {
		if got := displayName(tc.path); got != tc.want {
			t.Errorf("displayName(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestFileIDFromHash(t *testing.T) {
	id, err := fileIDFromHash("c4d2a0ff")
	if err != nil {
		t.Fatalf("fileIDFromHash failed: %v", err)
	}
	if id != 0xc4 {
		t.Fatalf("id = %#x, want 0xc4", id)
	}

	if _, err := fileIDFromHash("not hex"); err == nil {
		t.Fatalf("expected error for invalid digest")
	}
}
