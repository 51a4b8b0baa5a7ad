package protocol

import "encoding/binary"

// frameBuffer accumulates stream bytes and splits off complete frames.
//
// Frame format:
//
//	|        Max is 1500 bytes        |
//	| Total Length |      Content     |
//	|    2 bytes   |  <= 1498 bytes   |
//
// Total Length counts itself, so a frame is complete once Total Length
// bytes are buffered. Trailing bytes stay buffered for the next frame.
type frameBuffer struct {
	buf []byte
}

// write appends stream bytes to the buffer.
func (fb *frameBuffer) write(p []byte) {
	fb.buf = append(fb.buf, p...)
}

// next splits off the content of the next complete frame. When the buffer
// does not yet hold a full frame it returns (nil, need, nil) where need is
// the minimum byte count still missing, so the transport can size its next
// read instead of polling.
func (fb *frameBuffer) next() ([]byte, int, error) {
	if len(fb.buf) < frameHeaderSize {
		return nil, frameHeaderSize - len(fb.buf), nil
	}

	total := int(binary.BigEndian.Uint16(fb.buf))
	if total < frameHeaderSize {
		return nil, 0, ErrMalformedMessage
	}
	if total > MaxFrameSize {
		return nil, 0, ErrFrameTooLarge
	}
	if len(fb.buf) < total {
		return nil, total - len(fb.buf), nil
	}

	content := make([]byte, total-frameHeaderSize)
	copy(content, fb.buf[frameHeaderSize:total])
	fb.buf = fb.buf[:copy(fb.buf, fb.buf[total:])]
	return content, 0, nil
}

// RequestDecoder is a streaming decoder turning raw stream bytes into
// Requests. Feed bytes with Write in any sized pieces; frames may span
// multiple writes and one write may hold several frames.
type RequestDecoder struct {
	fb frameBuffer
}

// Write appends stream bytes. It never fails; it exists so the decoder can
// sit behind an io.Writer-shaped transport read loop.
func (d *RequestDecoder) Write(p []byte) (int, error) {
	d.fb.write(p)
	return len(p), nil
}

// Next decodes the next buffered request. It returns (nil, need, nil) with
// need > 0 when more bytes are required, and a non-nil error when the
// buffered bytes cannot form a valid request; decode errors are fatal for
// the connection.
func (d *RequestDecoder) Next() (Request, int, error) {
	content, need, err := d.fb.next()
	if err != nil || content == nil {
		return nil, need, err
	}

	request, err := decodeRequest(content)
	if err != nil {
		return nil, 0, err
	}
	return request, 0, nil
}

// ResponseDecoder is the Response counterpart of RequestDecoder.
type ResponseDecoder struct {
	fb frameBuffer
}

// Write appends stream bytes.
func (d *ResponseDecoder) Write(p []byte) (int, error) {
	d.fb.write(p)
	return len(p), nil
}

// Next decodes the next buffered response; same contract as
// RequestDecoder.Next.
func (d *ResponseDecoder) Next() (Response, int, error) {
	content, need, err := d.fb.next()
	if err != nil || content == nil {
		return nil, need, err
	}

	response, err := decodeResponse(content)
	if err != nil {
		return nil, 0, err
	}
	return response, 0, nil
}
