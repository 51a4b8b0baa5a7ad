package protocol

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func TestRequestRoundTrip(t *testing.T) {
	requests := []Request{
		Ping{},
		FileMetadata{
			FileID:      0x9f,
			FileName:    "notes.txt",
			ContentHash: "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
		},
		FileFragment{FileID: 0x9f, Index: 0, Data: []byte("hello")},
		FileFragment{FileID: 0x9f, Index: 42, Data: []byte{}},
		EndOfFile{FileID: 0x9f},
		DropFile{FileID: 0x01},
	}

	for _, request := range requests {
		frame, err := EncodeRequest(request)
		if err != nil {
			t.Fatalf("EncodeRequest(%#v) failed: %v", request, err)
		}

		var decoder RequestDecoder
		if _, err := decoder.Write(frame); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		got, need, err := decoder.Next()
		if err != nil {
			t.Fatalf("Next failed for %#v: %v", request, err)
		}
		if need != 0 {
			t.Fatalf("expected complete frame, decoder wants %d more bytes", need)
		}
		if !reflect.DeepEqual(got, request) {
			t.Fatalf("round trip mismatch: sent %#v, got %#v", request, got)
		}
	}
}

func TestResponseRoundTrip(t *testing.T) {
	responses := []Response{
		Pong{},
		Ok{},
		FileIDNotFound{FileID: 7},
		CannotSaveFile{FileID: 0xff},
		ChecksumNotMatched{FileID: 0},
	}

	for _, response := range responses {
		frame, err := EncodeResponse(response)
		if err != nil {
			t.Fatalf("EncodeResponse(%#v) failed: %v", response, err)
		}

		var decoder ResponseDecoder
		if _, err := decoder.Write(frame); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		got, _, err := decoder.Next()
		if err != nil {
			t.Fatalf("Next failed for %#v: %v", response, err)
		}
		if !reflect.DeepEqual(got, response) {
			t.Fatalf("round trip mismatch: sent %#v, got %#v", response, got)
		}
	}
}

func TestEncodeRejectsOversizedFragment(t *testing.T) {
	oversized := FileFragment{
		FileID: 1,
		Index:  0,
		Data:   make([]byte, MaxContentSize),
	}
	if _, err := EncodeRequest(oversized); !errors.Is(err, ErrDataTooLarge) {
		t.Fatalf("expected ErrDataTooLarge, got %v", err)
	}
}

func TestEncodeAcceptsMaxFragmentData(t *testing.T) {
	boundary := FileFragment{
		FileID: 1,
		Index:  0,
		Data:   bytes.Repeat([]byte{0xab}, MaxFragmentDataSize),
	}

	frame, err := EncodeRequest(boundary)
	if err != nil {
		t.Fatalf("EncodeRequest at the fragment boundary failed: %v", err)
	}
	if len(frame) > MaxFrameSize {
		t.Fatalf("frame length %d exceeds MTU %d", len(frame), MaxFrameSize)
	}

	var decoder RequestDecoder
	_, _ = decoder.Write(frame)
	got, _, err := decoder.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	fragment, ok := got.(FileFragment)
	if !ok {
		t.Fatalf("expected FileFragment, got %T", got)
	}
	if !bytes.Equal(fragment.Data, boundary.Data) {
		t.Fatalf("fragment data mismatch after round trip")
	}
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	var decoder RequestDecoder
	_, _ = decoder.Write([]byte{0x00, 0x03, 0xee})
	if _, _, err := decoder.Next(); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage, got %v", err)
	}
}

func TestDecodeRejectsTruncatedBody(t *testing.T) {
	// EndOfFile with no file id byte.
	var decoder RequestDecoder
	_, _ = decoder.Write([]byte{0x00, 0x03, tagEndOfFile})
	if _, _, err := decoder.Next(); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage, got %v", err)
	}
}

func TestDecodeRejectsOversizedDeclaredLength(t *testing.T) {
	var decoder ResponseDecoder
	_, _ = decoder.Write([]byte{0xff, 0xff})
	if _, _, err := decoder.Next(); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}
