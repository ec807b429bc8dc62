// Package formdata decodes multipart/form-data request bodies into
// named string fields and a single binary attachment. The decoder
// scans the body line-wise in a single pass, so size limits apply
// while reading rather than after the whole body has been buffered.
package formdata

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
)

var (
	// ErrInvalid reports a body that does not follow the
	// multipart/form-data framing rules.
	ErrInvalid = errors.New("invalid multipart body")

	// ErrTooLarge reports a part that exceeds its configured limit.
	ErrTooLarge = errors.New("multipart part too large")
)

const (
	DefaultMaxFileBytes  = 100 << 20
	DefaultMaxFieldBytes = 64 << 10
)

// Limits bounds how much of a body the decoder will buffer. Zero
// values fall back to the package defaults.
type Limits struct {
	MaxFileBytes  int64
	MaxFieldBytes int64
}

// Form is a decoded body: every plain field as a string, plus the one
// binary attachment.
type Form struct {
	Fields map[string]string
	File   *File
}

// File is the binary attachment of a form.
type File struct {
	FieldName   string
	Filename    string
	ContentType string
	Data        []byte
}

// Decode parses body framed by the boundary carried in the
// Content-Type header value.
func Decode(body io.Reader, contentType string, limits Limits) (*Form, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: bad content type: %v", ErrInvalid, err)
	}
	if mediaType != "multipart/form-data" {
		return nil, fmt.Errorf("%w: content type %q is not multipart/form-data", ErrInvalid, mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("%w: missing boundary parameter", ErrInvalid)
	}
	if limits.MaxFileBytes <= 0 {
		limits.MaxFileBytes = DefaultMaxFileBytes
	}
	if limits.MaxFieldBytes <= 0 {
		limits.MaxFieldBytes = DefaultMaxFieldBytes
	}

	d := &decoder{
		br:     bufio.NewReaderSize(body, 64<<10),
		delim:  []byte("--" + boundary),
		close:  []byte("--" + boundary + "--"),
		limits: limits,
		form:   &Form{Fields: make(map[string]string)},
	}
	if err := d.run(); err != nil {
		return nil, err
	}
	return d.form, nil
}

type decoder struct {
	br     *bufio.Reader
	delim  []byte
	close  []byte
	limits Limits
	form   *Form
}

type partInfo struct {
	fieldName   string
	filename    string
	hasFile     bool
	contentType string
}

// run drives the decoder through its states: scanning for the first
// boundary, then alternating part headers and part bodies until the
// closing delimiter.
func (d *decoder) run() error {
	closed, err := d.scanPreamble()
	if err != nil {
		return err
	}
	for !closed {
		info, err := d.readHeaders()
		if err != nil {
			return err
		}
		closed, err = d.readBody(info)
		if err != nil {
			return err
		}
	}
	return nil
}

// next returns the following run of bytes. isLine reports whether the
// run ends with a newline; runs stopped by the buffer limit or by the
// end of the stream do not. At end of stream the final unterminated
// bytes are returned together with io.EOF.
func (d *decoder) next() ([]byte, bool, error) {
	chunk, err := d.br.ReadSlice('\n')
	if err == nil {
		return chunk, true, nil
	}
	if errors.Is(err, bufio.ErrBufferFull) {
		return chunk, false, nil
	}
	return chunk, false, err
}

// scanPreamble discards bytes before the first boundary line. It
// reports closed when the body ends with the closing delimiter and no
// parts at all.
func (d *decoder) scanPreamble() (bool, error) {
	atStart := true
	for {
		chunk, isLine, err := d.next()
		if atStart && len(chunk) > 0 && (isLine || errors.Is(err, io.EOF)) {
			line := trimDelimiterLine(chunk)
			if bytes.Equal(line, d.delim) {
				return false, nil
			}
			if bytes.Equal(line, d.close) {
				return true, nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return false, fmt.Errorf("%w: no boundary before end of body", ErrInvalid)
			}
			return false, err
		}
		atStart = isLine
	}
}

func (d *decoder) readHeaders() (partInfo, error) {
	var info partInfo
	headers := make(map[string]string)
	for {
		chunk, isLine, err := d.next()
		if err != nil || !isLine {
			return info, fmt.Errorf("%w: truncated part headers", ErrInvalid)
		}
		line := trimNewline(chunk)
		if len(line) == 0 {
			break
		}
		i := bytes.IndexByte(line, ':')
		if i < 0 {
			return info, fmt.Errorf("%w: malformed part header", ErrInvalid)
		}
		key := strings.ToLower(strings.TrimSpace(string(line[:i])))
		headers[key] = strings.TrimSpace(string(line[i+1:]))
	}

	disposition := headers["content-disposition"]
	if disposition == "" {
		return info, fmt.Errorf("%w: part without content-disposition", ErrInvalid)
	}
	kind, params, err := mime.ParseMediaType(disposition)
	if err != nil || kind != "form-data" {
		return info, fmt.Errorf("%w: bad content-disposition %q", ErrInvalid, disposition)
	}
	info.fieldName = params["name"]
	if info.fieldName == "" {
		return info, fmt.Errorf("%w: part without a field name", ErrInvalid)
	}
	info.filename, info.hasFile = params["filename"]
	info.contentType = headers["content-type"]
	if info.hasFile && info.contentType == "" {
		info.contentType = "application/octet-stream"
	}
	return info, nil
}

// readBody accumulates part content until the next boundary line and
// folds the finished part into the form. It reports closed when the
// boundary was the closing delimiter.
func (d *decoder) readBody(info partInfo) (bool, error) {
	limit := d.limits.MaxFieldBytes
	what := "field " + info.fieldName
	if info.hasFile {
		limit = d.limits.MaxFileBytes
		what = "attachment"
	}

	var buf bytes.Buffer
	atStart := true
	for {
		chunk, isLine, err := d.next()
		if atStart && len(chunk) > 0 && (isLine || errors.Is(err, io.EOF)) {
			line := trimDelimiterLine(chunk)
			if bytes.Equal(line, d.delim) {
				return false, d.finishPart(info, buf.Bytes(), limit, what)
			}
			if bytes.Equal(line, d.close) {
				if err := d.finishPart(info, buf.Bytes(), limit, what); err != nil {
					return false, err
				}
				return true, nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return false, fmt.Errorf("%w: part %s not terminated by a boundary", ErrInvalid, info.fieldName)
			}
			return false, err
		}
		// The boundary line owns the final CRLF of the part, so allow
		// two bytes of slack while scanning; the exact limit is
		// enforced once the part is trimmed.
		if int64(buf.Len()+len(chunk)) > limit+2 {
			return false, fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, what, limit)
		}
		buf.Write(chunk)
		atStart = isLine
	}
}

func (d *decoder) finishPart(info partInfo, content []byte, limit int64, what string) error {
	content = trimNewline(content)
	if int64(len(content)) > limit {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, what, limit)
	}
	if !info.hasFile {
		d.form.Fields[info.fieldName] = string(content)
		return nil
	}
	if d.form.File != nil {
		return fmt.Errorf("%w: more than one attachment", ErrInvalid)
	}
	d.form.File = &File{
		FieldName:   info.fieldName,
		Filename:    info.filename,
		ContentType: info.contentType,
		Data:        content,
	}
	return nil
}

func trimNewline(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
		if n := len(b); n > 0 && b[n-1] == '\r' {
			b = b[:n-1]
		}
	}
	return b
}

// trimDelimiterLine strips the line break plus any transport padding
// after a candidate boundary line.
func trimDelimiterLine(b []byte) []byte {
	return bytes.TrimRight(trimNewline(b), " \t")
}
