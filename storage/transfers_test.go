package storage

import (
	"errors"
	"testing"
)

func TestTransferCRUD(t *testing.T) {
	store := newTestStore(t)

	id, err := store.SaveTransfer(TransferRecord{
		Direction:  TransferDirectionReceive,
		FileName:   "photo.png",
		SizeBytes:  2048,
		Checksum:   "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
		FileType:   "image/png",
		StoredPath: "/tmp/photo.png",
		PeerAddr:   "192.168.1.20:53791",
		Status:     TransferStatusComplete,
	})
	if err != nil {
		t.Fatalf("SaveTransfer failed: %v", err)
	}

	got, err := store.GetTransferByID(id)
	if err != nil {
		t.Fatalf("GetTransferByID failed: %v", err)
	}
	if got.FileName != "photo.png" || got.SizeBytes != 2048 {
		t.Fatalf("unexpected transfer record: %+v", got)
	}
	if got.Status != TransferStatusComplete {
		t.Fatalf("unexpected status %q", got.Status)
	}
	if got.CompletedAt == 0 {
		t.Fatalf("expected completed_at to be filled in")
	}
}

func TestSaveTransferRejectsInvalidStatus(t *testing.T) {
	store := newTestStore(t)

	_, err := store.SaveTransfer(TransferRecord{
		Direction: TransferDirectionSend,
		FileName:  "x.bin",
		Checksum:  "00",
		Status:    "in_flight",
	})
	if err == nil {
		t.Fatalf("expected invalid status to be rejected")
	}
}

func TestListTransfersNewestFirst(t *testing.T) {
	store := newTestStore(t)

	for i, name := range []string{"a.txt", "b.txt", "c.txt"} {
		_, err := store.SaveTransfer(TransferRecord{
			Direction:   TransferDirectionSend,
			FileName:    name,
			SizeBytes:   int64(i),
			Checksum:    "00",
			Status:      TransferStatusComplete,
			CompletedAt: int64(1000 + i),
		})
		if err != nil {
			t.Fatalf("SaveTransfer %q failed: %v", name, err)
		}
	}

	records, err := store.ListTransfers(2)
	if err != nil {
		t.Fatalf("ListTransfers failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].FileName != "c.txt" || records[1].FileName != "b.txt" {
		t.Fatalf("unexpected ordering: %q, %q", records[0].FileName, records[1].FileName)
	}
}

func TestGetTransferByIDNotFound(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetTransferByID(12345); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPeerSightingUpsert(t *testing.T) {
	store := newTestStore(t)

	if err := store.UpsertPeerSighting("192.168.1.20:9999", PeerSourceBroadcast); err != nil {
		t.Fatalf("UpsertPeerSighting failed: %v", err)
	}
	if err := store.UpsertPeerSighting("192.168.1.20:9999", PeerSourceMDNS); err != nil {
		t.Fatalf("repeat UpsertPeerSighting failed: %v", err)
	}
	if err := store.UpsertPeerSighting("192.168.1.30:9999", PeerSourceBroadcast); err != nil {
		t.Fatalf("UpsertPeerSighting failed: %v", err)
	}

	sightings, err := store.ListPeerSightings()
	if err != nil {
		t.Fatalf("ListPeerSightings failed: %v", err)
	}
	if len(sightings) != 2 {
		t.Fatalf("expected 2 sightings, got %d", len(sightings))
	}
	for _, sighting := range sightings {
		if sighting.Address == "192.168.1.20:9999" && sighting.Source != PeerSourceMDNS {
			t.Fatalf("expected repeat sighting to refresh source, got %q", sighting.Source)
		}
		if sighting.FirstSeen == 0 || sighting.LastSeen < sighting.FirstSeen {
			t.Fatalf("suspicious timestamps: %+v", sighting)
		}
	}
}
