package network

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"lanportal/protocol"
	"lanportal/storage"
)

const (
	// DefaultReceiveDirName is the fallback directory for completed files.
	DefaultReceiveDirName = "received_files"
)

// SlaveOptions controls receiver engine behavior.
type SlaveOptions struct {
	// ReceiveDir is where verified files are materialized.
	ReceiveDir string
	// Store, when set, records terminal transfer outcomes in the ledger.
	Store *storage.Store
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// fragment is one received file slice awaiting reassembly, kept in
// arrival order until EndOfFile sorts by index.
type fragment struct {
	index uint32
	data  []byte
}

// fileMeta is the transfer-opening metadata for one file_id.
type fileMeta struct {
	fileName    string
	contentHash string
}

// Slave is the receiver engine for one connection. It owns the
// per-connection transfer pool exclusively; file_id scoping is per
// connection, never process-wide.
type Slave struct {
	conn   net.Conn
	opts   SlaveOptions
	logger *slog.Logger

	decoder protocol.RequestDecoder

	// { file_id: fragments in arrival order }
	pool map[uint8][]fragment
	// { file_id: (file_name, sha256) }
	metadata map[uint8]fileMeta
}

// NewSlave wraps an accepted connection. The slave takes ownership of both
// stream halves and closes the connection when Run returns.
func NewSlave(conn net.Conn, options SlaveOptions) *Slave {
	opts := options
	if opts.ReceiveDir == "" {
		opts.ReceiveDir = DefaultReceiveDirName
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Slave{
		conn:     conn,
		opts:     opts,
		logger:   opts.Logger,
		pool:     make(map[uint8][]fragment),
		metadata: make(map[uint8]fileMeta),
	}
}

// Run consumes requests until the peer closes the connection or a decode
// error occurs, answering every request exactly once, in order. Transfer
// state never outlives the connection.
func (s *Slave) Run() error {
	defer func() {
		_ = s.conn.Close()
	}()

	buf := make([]byte, 4096)
	for {
		request, _, err := s.decoder.Next()
		if err != nil {
			return fmt.Errorf("decode request: %w", err)
		}

		if request == nil {
			n, err := s.conn.Read(buf)
			if n > 0 {
				_, _ = s.decoder.Write(buf[:n])
			}
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					s.logger.Info("connection closed", "peer", s.peerAddr())
					return nil
				}
				return fmt.Errorf("read requests: %w", err)
			}
			continue
		}

		response := s.handleRequest(request)
		frame, err := protocol.EncodeResponse(response)
		if err != nil {
			return err
		}
		if _, err := s.conn.Write(frame); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}

// handleRequest maps one request to exactly one response. Per-transfer
// failures produce protocol responses and keep the connection usable.
func (s *Slave) handleRequest(request protocol.Request) protocol.Response {
	switch req := request.(type) {
	case protocol.Ping:
		return protocol.Pong{}

	case protocol.FileMetadata:
		// Reopening an id discards any prior incomplete state for it.
		s.metadata[req.FileID] = fileMeta{fileName: req.FileName, contentHash: req.ContentHash}
		s.pool[req.FileID] = nil
		s.logger.Info("transfer opened",
			"peer", s.peerAddr(), "file_id", req.FileID, "file", req.FileName)
		return protocol.Ok{}

	case protocol.FileFragment:
		// Fragments are only accepted into an open transfer; anything
		// else is dropped with a non-fatal response.
		if _, open := s.metadata[req.FileID]; !open {
			return protocol.FileIDNotFound{FileID: req.FileID}
		}
		s.pool[req.FileID] = append(s.pool[req.FileID], fragment{index: req.Index, data: req.Data})
		return protocol.Ok{}

	case protocol.EndOfFile:
		meta, ok := s.metadata[req.FileID]
		fragments := s.pool[req.FileID]
		delete(s.metadata, req.FileID)
		delete(s.pool, req.FileID)
		if !ok {
			return protocol.FileIDNotFound{FileID: req.FileID}
		}
		return s.finalize(req.FileID, meta, fragments)

	case protocol.DropFile:
		meta, known := s.metadata[req.FileID]
		delete(s.metadata, req.FileID)
		delete(s.pool, req.FileID)
		if known {
			s.logger.Info("transfer dropped by sender",
				"peer", s.peerAddr(), "file_id", req.FileID, "file", meta.fileName)
			s.record(transferOutcome{
				fileName: meta.fileName,
				checksum: meta.contentHash,
				status:   transferAborted,
			})
		}
		// Dropping an unknown id is fine; the operation is idempotent.
		return protocol.Ok{}
	}

	// The decoder only produces known variants; anything else is a bug.
	s.logger.Error("unhandled request variant", "request", fmt.Sprintf("%T", request))
	return protocol.Ok{}
}

// finalize reassembles, verifies and persists one completed transfer.
func (s *Slave) finalize(fileID uint8, meta fileMeta, fragments []fragment) protocol.Response {
	// Arrival order is not reassembly order.
	sort.Slice(fragments, func(i, j int) bool {
		return fragments[i].index < fragments[j].index
	})

	var size int
	for _, f := range fragments {
		size += len(f.data)
	}
	content := make([]byte, 0, size)
	for _, f := range fragments {
		content = append(content, f.data...)
	}

	digest := sha256.Sum256(content)
	gotHash := hex.EncodeToString(digest[:])
	if !strings.EqualFold(gotHash, meta.contentHash) {
		s.logger.Warn("checksum mismatch, discarding transfer",
			"peer", s.peerAddr(), "file_id", fileID, "file", meta.fileName,
			"want", meta.contentHash, "got", gotHash)
		s.record(transferOutcome{
			fileName: meta.fileName,
			size:     int64(len(content)),
			checksum: meta.contentHash,
			status:   transferChecksumMismatch,
		})
		return protocol.ChecksumNotMatched{FileID: fileID}
	}

	finalPath, err := s.persist(meta.fileName, content)
	if err != nil {
		s.logger.Error("cannot save file",
			"peer", s.peerAddr(), "file_id", fileID, "file", meta.fileName, "err", err)
		s.record(transferOutcome{
			fileName: meta.fileName,
			size:     int64(len(content)),
			checksum: meta.contentHash,
			status:   transferSaveFailed,
		})
		return protocol.CannotSaveFile{FileID: fileID}
	}

	s.logger.Info("file saved",
		"peer", s.peerAddr(), "file_id", fileID, "path", finalPath, "bytes", len(content))
	s.record(transferOutcome{
		fileName:   meta.fileName,
		size:       int64(len(content)),
		checksum:   meta.contentHash,
		storedPath: finalPath,
		fileType:   detectFileType(finalPath),
		status:     transferComplete,
	})
	return protocol.Ok{}
}

// persist writes verified content under the receive directory via a temp
// file and an atomic rename, so a crash mid-write never leaves a partial
// file under the final name.
func (s *Slave) persist(fileName string, content []byte) (string, error) {
	if err := os.MkdirAll(s.opts.ReceiveDir, 0o700); err != nil {
		return "", fmt.Errorf("create receive directory: %w", err)
	}

	base := filepath.Base(fileName)
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "file.bin"
	}

	finalPath := filepath.Join(s.opts.ReceiveDir, base)
	tempPath := finalPath + ".part"

	if err := os.WriteFile(tempPath, content, 0o600); err != nil {
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("finalize file: %w", err)
	}

	return finalPath, nil
}

func (s *Slave) peerAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func detectFileType(path string) string {
	kind, err := mimetype.DetectFile(path)
	if err != nil {
		return ""
	}
	return kind.String()
}
