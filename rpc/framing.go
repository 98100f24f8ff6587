package rpc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"syscall"
)

const (
	headerContentLength = "Content-Length"
	headerContentType   = "Content-Type"

	// DefaultMaxFrameSize bounds a single payload.
	DefaultMaxFrameSize = 64 << 20
	// maxHeaderLine bounds one header line, CRLF included.
	maxHeaderLine = 4096
)

// Frame is one header-delimited payload.
type Frame struct {
	ContentType string
	Payload     []byte
}

// FrameReader reads LSP-style frames: header lines, a blank line, then exactly
// Content-Length bytes.
type FrameReader struct {
	r       *bufio.Reader
	maxSize int
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, maxHeaderLine), maxSize: DefaultMaxFrameSize}
}

// ReadFrame returns the next frame. A peer reset or EOF at a frame boundary
// returns io.EOF, the clean end of the stream.
func (fr *FrameReader) ReadFrame(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	var (
		frame   Frame
		length  = -1
		started bool
	)
	for {
		raw, err := fr.r.ReadSlice('\n')
		line := string(raw)
		if errors.Is(err, bufio.ErrBufferFull) {
			return Frame{}, protocolErrorf(CodeParseError, "header line exceeds %d bytes", maxHeaderLine)
		}
		if err != nil {
			if isReset(err) || (errors.Is(err, io.EOF) && !started && line == "") {
				return Frame{}, io.EOF
			}
			if errors.Is(err, io.EOF) {
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
		started = true

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if length >= 0 {
				break
			}
			continue
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return Frame{}, protocolErrorf(CodeParseError, "malformed header line %q", line)
		}
		value = strings.TrimSpace(value)
		switch {
		case strings.EqualFold(strings.TrimSpace(name), headerContentLength):
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return Frame{}, protocolErrorf(CodeParseError, "invalid %s %q", headerContentLength, value)
			}
			if n > fr.maxSize {
				return Frame{}, &ProtocolError{Code: CodeParseError, Msg: fmt.Sprintf("%d bytes", n), Err: ErrFrameTooLarge}
			}
			length = n
		case strings.EqualFold(strings.TrimSpace(name), headerContentType):
			frame.ContentType = value
		}
	}

	frame.Payload = make([]byte, length)
	if _, err := io.ReadFull(fr.r, frame.Payload); err != nil {
		if isReset(err) {
			return Frame{}, io.EOF
		}
		if errors.Is(err, io.EOF) {
			return Frame{}, io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	return frame, nil
}

func isReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// FrameWriter writes frames with CRLF line endings on every platform.
// Each frame reaches the destination in a single Write, so a cancelled
// context never leaves a partial frame on the stream.
// It is not safe for concurrent use.
type FrameWriter struct {
	dst io.Writer
	buf bytes.Buffer
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{dst: w}
}

// WriteFrame writes one frame. Content-Length is the UTF-8 byte count of payload.
// ctx is checked before anything is written; once the write starts the frame
// is completed.
func (fw *FrameWriter) WriteFrame(ctx context.Context, payload []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fw.buf.Reset()
	fmt.Fprintf(&fw.buf, "%s: %d\r\n", headerContentLength, len(payload))
	if contentType != "" {
		fmt.Fprintf(&fw.buf, "%s: %s\r\n", headerContentType, contentType)
	}
	fw.buf.WriteString("\r\n")
	fw.buf.Write(payload)

	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := fw.dst.Write(fw.buf.Bytes())
	return err
}

// MessageReader decodes frames into messages. The Content-Type of a frame
// selects a registered formatter; frames without one use the default.
type MessageReader struct {
	frames    *FrameReader
	formatter Formatter
}

func NewMessageReader(r io.Reader, f Formatter) *MessageReader {
	if f == nil {
		f = JSONFormatter{}
	}
	return &MessageReader{frames: NewFrameReader(r), formatter: f}
}

// ReadMessage returns io.EOF at the clean end of the stream.
func (mr *MessageReader) ReadMessage(ctx context.Context) (Message, error) {
	frame, err := mr.frames.ReadFrame(ctx)
	if err != nil {
		return nil, err
	}
	f := mr.formatter
	if frame.ContentType != "" && !strings.EqualFold(frame.ContentType, f.ContentType()) {
		if f, err = FormatterForContentType(frame.ContentType); err != nil {
			return nil, &ProtocolError{Code: CodeParseError, Msg: "content type", Err: err}
		}
	}
	return f.Unmarshal(frame.Payload)
}

// MessageWriter encodes messages into frames. It is not safe for concurrent use.
type MessageWriter struct {
	frames    *FrameWriter
	formatter Formatter
}

func NewMessageWriter(w io.Writer, f Formatter) *MessageWriter {
	if f == nil {
		f = JSONFormatter{}
	}
	return &MessageWriter{frames: NewFrameWriter(w), formatter: f}
}

func (mw *MessageWriter) WriteMessage(ctx context.Context, m Message) error {
	payload, err := mw.formatter.Marshal(m)
	if err != nil {
		return err
	}
	return mw.frames.WriteFrame(ctx, payload, mw.formatter.ContentType())
}
