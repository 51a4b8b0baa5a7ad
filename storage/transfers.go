package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SaveTransfer inserts one terminal transfer outcome and returns its row id.
func (s *Store) SaveTransfer(record TransferRecord) (int64, error) {
	if record.FileName == "" {
		return 0, errors.New("file_name is required")
	}
	if err := validateTransferDirection(record.Direction); err != nil {
		return 0, err
	}
	if err := validateTransferStatus(record.Status); err != nil {
		return 0, err
	}
	if record.CompletedAt == 0 {
		record.CompletedAt = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`INSERT INTO transfers (
			direction,
			file_name,
			size_bytes,
			checksum,
			file_type,
			stored_path,
			peer_addr,
			status,
			completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.Direction,
		record.FileName,
		record.SizeBytes,
		record.Checksum,
		nullString(record.FileType),
		nullString(record.StoredPath),
		nullString(record.PeerAddr),
		record.Status,
		record.CompletedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert transfer %q: %w", record.FileName, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read transfer row id: %w", err)
	}
	return id, nil
}

// ListTransfers returns transfer outcomes newest first, bounded by limit.
func (s *Store) ListTransfers(limit int) ([]TransferRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT
			id,
			direction,
			file_name,
			size_bytes,
			checksum,
			file_type,
			stored_path,
			peer_addr,
			status,
			completed_at
		FROM transfers
		ORDER BY completed_at DESC, id DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []TransferRecord
	for rows.Next() {
		record, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}

	return records, nil
}

// GetTransferByID fetches one transfer outcome by row id.
func (s *Store) GetTransferByID(id int64) (*TransferRecord, error) {
	row := s.db.QueryRow(
		`SELECT
			id,
			direction,
			file_name,
			size_bytes,
			checksum,
			file_type,
			stored_path,
			peer_addr,
			status,
			completed_at
		FROM transfers
		WHERE id = ?`,
		id,
	)

	record, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %d: %w", id, err)
	}
	return &record, nil
}

// UpsertPeerSighting records a discovered peer address, refreshing last_seen
// on repeat sightings.
func (s *Store) UpsertPeerSighting(address, source string) error {
	if address == "" {
		return errors.New("address is required")
	}
	if err := validatePeerSource(source); err != nil {
		return err
	}

	now := nowUnixMilli()
	_, err := s.db.Exec(
		`INSERT INTO peer_sightings (address, source, first_seen, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			source = excluded.source,
			last_seen = excluded.last_seen`,
		address,
		source,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("upsert peer sighting %q: %w", address, err)
	}
	return nil
}

// ListPeerSightings returns discovered peers, most recently seen first.
func (s *Store) ListPeerSightings() ([]PeerSighting, error) {
	rows, err := s.db.Query(
		`SELECT address, source, first_seen, last_seen
		FROM peer_sightings
		ORDER BY last_seen DESC, address`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peer sightings: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var sightings []PeerSighting
	for rows.Next() {
		var sighting PeerSighting
		if err := rows.Scan(&sighting.Address, &sighting.Source, &sighting.FirstSeen, &sighting.LastSeen); err != nil {
			return nil, fmt.Errorf("scan peer sighting row: %w", err)
		}
		sightings = append(sightings, sighting)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer sightings: %w", err)
	}

	return sightings, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (TransferRecord, error) {
	var (
		record     TransferRecord
		fileType   sql.NullString
		storedPath sql.NullString
		peerAddr   sql.NullString
	)

	err := row.Scan(
		&record.ID,
		&record.Direction,
		&record.FileName,
		&record.SizeBytes,
		&record.Checksum,
		&fileType,
		&storedPath,
		&peerAddr,
		&record.Status,
		&record.CompletedAt,
	)
	if err != nil {
		return TransferRecord{}, err
	}

	record.FileType = stringValue(fileType)
	record.StoredPath = stringValue(storedPath)
	record.PeerAddr = stringValue(peerAddr)
	return record, nil
}
