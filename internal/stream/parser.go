package stream

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
)

// Parser turns the bytes of a chat stream into frames. It keeps the unconsumed tail of the stream in its
// own buffer, so every stream session must use its own Parser.
//
// A data line whose JSON does not parse is put back at the front of the buffer and parsing stops until
// more bytes arrive. Whatever is still unparseable when the stream ends is dropped by Flush.
type Parser struct {
	buf  []byte
	done bool

	logger *slog.Logger
}

type lineKind int

const (
	lineSkip lineKind = iota
	lineDelta
	lineDone
	lineIncomplete
)

// NewParser creates an empty parser.
func NewParser(logger *slog.Logger) *Parser {
	return &Parser{
		logger: logger.With(slog.String("module", "stream-parser")),
	}
}

// Feed appends chunk to the buffer and returns the frames of every complete line it can decode. Once the
// [DONE] sentinel has been seen, the returned slice ends with a Done frame and later input is ignored.
func (p *Parser) Feed(chunk []byte) []Frame {
	if p.done {
		return nil
	}
	p.buf = append(p.buf, chunk...)
	return p.drain(false)
}

// Flush runs the end-of-stream pass over the buffered bytes. Lines that still fail to decode are
// discarded, since nothing can complete them anymore.
func (p *Parser) Flush() []Frame {
	if p.done || len(p.buf) == 0 {
		return nil
	}
	if p.buf[len(p.buf)-1] != '\n' {
		p.buf = append(p.buf, '\n')
	}
	frames := p.drain(true)
	p.buf = nil
	return frames
}

// Done reports whether the [DONE] sentinel has been consumed.
func (p *Parser) Done() bool {
	return p.done
}

// Buffered returns the number of bytes waiting for a newline or for the rest of a split frame.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

func (p *Parser) drain(final bool) []Frame {
	var frames []Frame
	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			return frames
		}
		line := strings.TrimSuffix(string(p.buf[:idx]), "\r")
		p.buf = p.buf[idx+1:]

		frame, kind := parseLine(line)
		switch kind {
		case lineSkip:
			continue
		case lineDelta:
			frames = append(frames, frame)
		case lineDone:
			p.done = true
			p.buf = nil
			return append(frames, frame)
		case lineIncomplete:
			if final {
				p.logger.Debug("Dropping malformed frame", slog.String("line", line))
				continue
			}
			rest := p.buf
			p.buf = make([]byte, 0, len(line)+1+len(rest))
			p.buf = append(p.buf, line...)
			p.buf = append(p.buf, '\n')
			p.buf = append(p.buf, rest...)
			return frames
		}
	}
}

func parseLine(line string) (Frame, lineKind) {
	if strings.TrimSpace(line) == "" || strings.HasPrefix(line, ":") {
		return Frame{}, lineSkip
	}
	if !strings.HasPrefix(line, dataPrefix) {
		return Frame{}, lineSkip
	}

	payload := strings.TrimSpace(line[len(dataPrefix):])
	if payload == DoneSentinel {
		return Frame{Done: true}, lineDone
	}

	var c chunk
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return Frame{}, lineIncomplete
	}

	content := c.content()
	if content == "" {
		return Frame{}, lineSkip
	}
	return Frame{Delta: content}, lineDelta
}
