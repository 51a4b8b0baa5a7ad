package network

import (
	"lanportal/storage"
)

// transferOutcome is a terminal receiver-side result headed for the ledger.
type transferOutcome struct {
	fileName   string
	size       int64
	checksum   string
	storedPath string
	fileType   string
	status     string
}

const (
	transferComplete         = storage.TransferStatusComplete
	transferAborted          = storage.TransferStatusAborted
	transferChecksumMismatch = storage.TransferStatusChecksumMismatch
	transferSaveFailed       = storage.TransferStatusSaveFailed
)

// record persists a terminal outcome when a ledger is configured. Ledger
// failures are logged, never surfaced to the protocol loop.
func (s *Slave) record(outcome transferOutcome) {
	if s.opts.Store == nil {
		return
	}

	_, err := s.opts.Store.SaveTransfer(storage.TransferRecord{
		Direction:  storage.TransferDirectionReceive,
		FileName:   outcome.fileName,
		SizeBytes:  outcome.size,
		Checksum:   outcome.checksum,
		FileType:   outcome.fileType,
		StoredPath: outcome.storedPath,
		PeerAddr:   s.peerAddr(),
		Status:     outcome.status,
	})
	if err != nil {
		s.logger.Error("record transfer outcome", "file", outcome.fileName, "err", err)
	}
}
