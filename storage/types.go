package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// TransferDirectionSend marks a transfer this host pushed out.
	TransferDirectionSend = "send"
	// TransferDirectionReceive marks a transfer this host accepted.
	TransferDirectionReceive = "receive"
)

const (
	// TransferStatusComplete means the file was verified and persisted.
	TransferStatusComplete = "complete"
	// TransferStatusAborted means the sender dropped the transfer.
	TransferStatusAborted = "aborted"
	// TransferStatusChecksumMismatch means the digest gate rejected the file.
	TransferStatusChecksumMismatch = "checksum_mismatch"
	// TransferStatusSaveFailed means the verified file could not be written.
	TransferStatusSaveFailed = "save_failed"
	// TransferStatusFailed covers transport or file-access failures.
	TransferStatusFailed = "failed"
)

const (
	// PeerSourceBroadcast marks a peer learned from UDP broadcast.
	PeerSourceBroadcast = "broadcast"
	// PeerSourceMDNS marks a peer learned from mDNS browsing.
	PeerSourceMDNS = "mdns"
)

// TransferRecord is the SQLite representation of one terminal transfer outcome.
type TransferRecord struct {
	ID          int64
	Direction   string
	FileName    string
	SizeBytes   int64
	Checksum    string
	FileType    string
	StoredPath  string
	PeerAddr    string
	Status      string
	CompletedAt int64
}

// PeerSighting is the SQLite representation of a discovered peer address.
type PeerSighting struct {
	Address   string
	Source    string
	FirstSeen int64
	LastSeen  int64
}

func validateTransferDirection(direction string) error {
	switch direction {
	case TransferDirectionSend, TransferDirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateTransferStatus(status string) error {
	switch status {
	case TransferStatusComplete, TransferStatusAborted, TransferStatusChecksumMismatch,
		TransferStatusSaveFailed, TransferStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func validatePeerSource(source string) error {
	switch source {
	case PeerSourceBroadcast, PeerSourceMDNS:
		return nil
	default:
		return fmt.Errorf("invalid peer source %q", source)
	}
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func stringValue(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
