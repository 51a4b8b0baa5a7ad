package network

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"lanportal/protocol"
)

const (
	// DefaultDialTimeout bounds the TCP dial for Dial.
	DefaultDialTimeout = 30 * time.Second
	// pausePollInterval is how long a paused send loop sleeps between
	// control polls. Pause and abort are cooperative: they are observed at
	// fragment boundaries, never mid-frame.
	pausePollInterval = time.Second
	// untitledFileName is the display name used when a path has none.
	untitledFileName = "Untitled"
)

var (
	// ErrNotAFile indicates a send path that is not a regular file.
	ErrNotAFile = errors.New("network: not a regular file")
	// ErrTaskNotFound indicates an unknown task id.
	ErrTaskNotFound = errors.New("network: task not found")
)

// TaskStatus is the control state of one send task.
type TaskStatus int32

const (
	// TaskRunning lets the send loop proceed fragment by fragment.
	TaskRunning TaskStatus = iota
	// TaskPaused holds the file cursor in place until resumed.
	TaskPaused
	// TaskAborted makes the send loop emit DropFile and stop cleanly.
	TaskAborted
)

// String returns a human-readable status name.
func (s TaskStatus) String() string {
	switch s {
	case TaskRunning:
		return "running"
	case TaskPaused:
		return "paused"
	case TaskAborted:
		return "aborted"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// TaskControl is the external handle for one in-flight send task. Closing
// the handle counts as an abort, so a crashed controller cannot leave a
// transfer running forever.
type TaskControl struct {
	id   uuid.UUID
	path string

	mu       sync.Mutex
	statusCh chan TaskStatus
	closed   bool

	stateMu sync.Mutex
	state   TaskStatus
	done    bool
}

// ID returns the task id.
func (tc *TaskControl) ID() uuid.UUID {
	return tc.id
}

// Path returns the source file path the task is sending.
func (tc *TaskControl) Path() string {
	return tc.path
}

// Pause asks the send loop to hold at the next fragment boundary.
func (tc *TaskControl) Pause() {
	tc.signal(TaskPaused)
}

// Resume lets a paused send loop continue.
func (tc *TaskControl) Resume() {
	tc.signal(TaskRunning)
}

// Abort asks the send loop to drop the transfer at the next fragment
// boundary.
func (tc *TaskControl) Abort() {
	tc.signal(TaskAborted)
}

// Close releases the handle. The send loop treats a closed control channel
// exactly like an abort.
func (tc *TaskControl) Close() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return
	}
	tc.closed = true
	close(tc.statusCh)
}

// Status returns the send loop's last observed control state and whether
// the task has reached a terminal result.
func (tc *TaskControl) Status() (TaskStatus, bool) {
	tc.stateMu.Lock()
	defer tc.stateMu.Unlock()
	return tc.state, tc.done
}

func (tc *TaskControl) signal(status TaskStatus) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return
	}

	// Replace an unread signal instead of blocking; only the latest
	// status matters.
	select {
	case tc.statusCh <- status:
	default:
		select {
		case <-tc.statusCh:
		default:
		}
		tc.statusCh <- status
	}
}

func (tc *TaskControl) setState(state TaskStatus) {
	tc.stateMu.Lock()
	defer tc.stateMu.Unlock()
	tc.state = state
}

func (tc *TaskControl) finish() {
	tc.stateMu.Lock()
	defer tc.stateMu.Unlock()
	tc.done = true
}

// TransferResult is the terminal outcome of one send task.
type TransferResult struct {
	TaskID    uuid.UUID
	FileName  string
	FileID    uint8
	BytesSent int64
	Aborted   bool
	Err       error
}

// MasterOptions controls sender engine behavior.
type MasterOptions struct {
	DialTimeout time.Duration
	Logger      *slog.Logger
}

func (o MasterOptions) withDefaults() MasterOptions {
	out := o
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Master is the sender engine: it owns the write half of one connection
// and drives controllable send tasks against it. The read half belongs
// exclusively to RecvResponses.
type Master struct {
	conn   net.Conn
	addr   string
	logger *slog.Logger

	sendMu  sync.Mutex
	decoder protocol.ResponseDecoder

	taskMu sync.Mutex
	tasks  map[uuid.UUID]*TaskControl
}

// Dial connects to a receiver and returns a ready Master.
func Dial(address string, options MasterOptions) (*Master, error) {
	opts := options.withDefaults()

	conn, err := net.DialTimeout("tcp", address, opts.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	return NewMaster(conn, opts), nil
}

// NewMaster wraps an established connection. The caller hands over
// ownership of both stream halves.
func NewMaster(conn net.Conn, options MasterOptions) *Master {
	opts := options.withDefaults()
	return &Master{
		conn:   conn,
		addr:   conn.RemoteAddr().String(),
		logger: opts.Logger,
		tasks:  make(map[uuid.UUID]*TaskControl),
	}
}

// Addr returns the remote address this master is connected to.
func (m *Master) Addr() string {
	return m.addr
}

// Close closes the underlying connection. In-flight tasks fail with a
// write error.
func (m *Master) Close() error {
	return m.conn.Close()
}

// Ping sends a liveness probe. The matching Pong arrives through the
// RecvResponses loop; Ping does not wait for it.
func (m *Master) Ping() error {
	return m.writeRequest(protocol.Ping{})
}

// SendFile starts an independent send task for path and returns its
// control handle plus a buffered result channel carrying the terminal
// outcome. It never blocks the caller.
func (m *Master) SendFile(path string) (*TaskControl, <-chan TransferResult) {
	ctrl := &TaskControl{
		id:       uuid.New(),
		path:     path,
		statusCh: make(chan TaskStatus, 1),
	}
	results := make(chan TransferResult, 1)

	m.taskMu.Lock()
	m.tasks[ctrl.id] = ctrl
	m.taskMu.Unlock()

	go func() {
		result := m.runSendTask(ctrl)
		ctrl.finish()

		select {
		case results <- result:
		default:
			// Nobody listening anymore; never block the engine on it.
			m.logger.Warn("discarding unclaimed transfer result",
				"task", ctrl.id, "file", result.FileName, "err", result.Err)
		}
	}()

	return ctrl, results
}

// Tasks returns the control handles of all tasks started on this master,
// including finished ones.
func (m *Master) Tasks() []*TaskControl {
	m.taskMu.Lock()
	defer m.taskMu.Unlock()

	out := make([]*TaskControl, 0, len(m.tasks))
	for _, ctrl := range m.tasks {
		out = append(out, ctrl)
	}
	return out
}

// Task looks up a task handle by id.
func (m *Master) Task(id uuid.UUID) (*TaskControl, error) {
	m.taskMu.Lock()
	defer m.taskMu.Unlock()

	ctrl, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return ctrl, nil
}

// RecvResponses decodes responses off the read half and forwards them
// until the peer closes the stream, the context is cancelled (receiver
// gone, a clean stop), or a decode error occurs.
func (m *Master) RecvResponses(ctx context.Context, responses chan<- protocol.Response) error {
	buf := make([]byte, 4096)

	for {
		response, _, err := m.decoder.Next()
		if err != nil {
			return fmt.Errorf("decode response: %w", err)
		}

		if response == nil {
			n, err := m.conn.Read(buf)
			if n > 0 {
				_, _ = m.decoder.Write(buf[:n])
			}
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("read responses: %w", err)
			}
			continue
		}

		m.logger.Debug("received response", "response", fmt.Sprintf("%#v", response))
		select {
		case responses <- response:
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Master) writeRequest(request protocol.Request) error {
	frame, err := protocol.EncodeRequest(request)
	if err != nil {
		return err
	}

	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	if _, err := m.conn.Write(frame); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

// runSendTask performs one full transfer: metadata, fragments in strict
// file order, then EndOfFile — or DropFile on abort.
func (m *Master) runSendTask(ctrl *TaskControl) TransferResult {
	result := TransferResult{TaskID: ctrl.id}

	name := displayName(ctrl.path)
	result.FileName = name

	info, err := os.Stat(ctrl.path)
	if err != nil {
		result.Err = fmt.Errorf("stat %q: %w", ctrl.path, err)
		return result
	}
	if !info.Mode().IsRegular() {
		result.Err = fmt.Errorf("%w: %q", ErrNotAFile, ctrl.path)
		return result
	}

	file, err := os.Open(ctrl.path)
	if err != nil {
		result.Err = fmt.Errorf("open %q: %w", ctrl.path, err)
		return result
	}
	defer func() {
		_ = file.Close()
	}()

	contentHash, err := fileChecksumHex(file)
	if err != nil {
		result.Err = err
		return result
	}
	fileID, err := fileIDFromHash(contentHash)
	if err != nil {
		result.Err = err
		return result
	}
	result.FileID = fileID

	m.logger.Info("starting transfer",
		"task", ctrl.id, "file", name, "file_id", fileID, "sha256", contentHash)

	if err := m.writeRequest(protocol.FileMetadata{
		FileID:      fileID,
		FileName:    name,
		ContentHash: contentHash,
	}); err != nil {
		result.Err = err
		return result
	}

	var (
		chunk  [protocol.MaxFragmentDataSize]byte
		index  uint32
		status = TaskRunning
	)
	for {
		// Poll the control channel without blocking. A closed channel
		// reads as an abort.
		select {
		case next, ok := <-ctrl.statusCh:
			if !ok {
				m.logger.Info("control handle closed, aborting transfer", "task", ctrl.id)
				next = TaskAborted
			}
			status = next
		default:
		}
		ctrl.setState(status)

		switch status {
		case TaskPaused:
			time.Sleep(pausePollInterval)
			continue
		case TaskAborted:
			if err := m.writeRequest(protocol.DropFile{FileID: fileID}); err != nil {
				result.Err = err
				return result
			}
			result.Aborted = true
			return result
		}

		n, err := file.Read(chunk[:])
		if n > 0 {
			if err := m.writeRequest(protocol.FileFragment{
				FileID: fileID,
				Index:  index,
				Data:   chunk[:n],
			}); err != nil {
				result.Err = err
				return result
			}
			index++
			result.BytesSent += int64(n)
		}
		if errors.Is(err, io.EOF) || n == 0 {
			break
		}
		if err != nil {
			result.Err = fmt.Errorf("read %q: %w", ctrl.path, err)
			return result
		}
	}

	if err := m.writeRequest(protocol.EndOfFile{FileID: fileID}); err != nil {
		result.Err = err
		return result
	}

	m.logger.Info("transfer sent",
		"task", ctrl.id, "file", name, "fragments", index, "bytes", result.BytesSent)
	return result
}

// displayName resolves the name announced in FileMetadata from a path.
func displayName(path string) string {
	name := filepath.Base(filepath.Clean(path))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return untitledFileName
	}
	return name
}

// fileIDFromHash derives the one-byte transfer id from the digest's first
// hex pair.
func fileIDFromHash(contentHash string) (uint8, error) {
	raw, err := hex.DecodeString(contentHash)
	if err != nil || len(raw) == 0 {
		return 0, fmt.Errorf("network: derive file id from digest %q", contentHash)
	}
	return raw[0], nil
}

// fileChecksumHex hashes the file and rewinds it for the send loop.
func fileChecksumHex(file *os.File) (string, error) {
	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind file after hashing: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
