package formdata

import (
	"bytes"
	"errors"
	"mime/multipart"
	"strings"
	"testing"
)

const testBoundary = "fence1234"

func ctype(boundary string) string {
	return "multipart/form-data; boundary=" + boundary
}

// rawBody joins lines with CRLF for hand-built framing cases.
func rawBody(lines ...string) string {
	return strings.Join(lines, "\r\n")
}

// writerBody builds a body with the standard library writer, which the
// decoder must interoperate with.
func writerBody(t *testing.T, fields map[string]string, filename string, data []byte) (string, []byte) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	if data != nil {
		fw, err := w.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("create file part: %v", err)
		}
		if _, err := fw.Write(data); err != nil {
			t.Fatalf("write file part: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return w.FormDataContentType(), buf.Bytes()
}

func TestDecodeRoundTrip(t *testing.T) {
	payload := []byte("0123456789")
	contentType, body := writerBody(t, map[string]string{
		"owner":    "acme",
		"repo":     "widget",
		"tag_name": "1.2.3",
	}, "widget-1.2.3.pkg", payload)

	form, err := Decode(bytes.NewReader(body), contentType, Limits{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	want := map[string]string{"owner": "acme", "repo": "widget", "tag_name": "1.2.3"}
	for k, v := range want {
		if form.Fields[k] != v {
			t.Errorf("field %s = %q, want %q", k, form.Fields[k], v)
		}
	}
	if len(form.Fields) != len(want) {
		t.Errorf("fields = %v, want exactly %v", form.Fields, want)
	}

	if form.File == nil {
		t.Fatal("no attachment decoded")
	}
	if !bytes.Equal(form.File.Data, payload) {
		t.Errorf("attachment = %q, want %q", form.File.Data, payload)
	}
	if len(form.File.Data) != 10 {
		t.Errorf("attachment length = %d, want 10", len(form.File.Data))
	}
	if form.File.Filename != "widget-1.2.3.pkg" {
		t.Errorf("filename = %q, want widget-1.2.3.pkg", form.File.Filename)
	}
	if form.File.FieldName != "file" {
		t.Errorf("field name = %q, want file", form.File.FieldName)
	}
	if form.File.ContentType != "application/octet-stream" {
		t.Errorf("content type = %q, want application/octet-stream", form.File.ContentType)
	}
}

func TestDecodeBinaryAttachmentPreserved(t *testing.T) {
	// CRLF runs, blank lines and dash-dash lines inside the payload
	// must all survive untouched.
	payload := []byte("line1\r\nline2\r\n\r\n--not-the-boundary\r\n\x00\x01\x02tail")
	contentType, body := writerBody(t, nil, "blob.bin", payload)

	form, err := Decode(bytes.NewReader(body), contentType, Limits{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if form.File == nil {
		t.Fatal("no attachment decoded")
	}
	if !bytes.Equal(form.File.Data, payload) {
		t.Errorf("attachment = %q, want %q", form.File.Data, payload)
	}
}

func TestDecodeAttachmentLargerThanReadBuffer(t *testing.T) {
	// 200 KiB without a single newline forces the line scanner through
	// its buffer-full path.
	payload := bytes.Repeat([]byte{'a'}, 200<<10)
	payload[100<<10] = '\n'
	contentType, body := writerBody(t, map[string]string{"tag_name": "1.0.0"}, "big.pkg", payload)

	form, err := Decode(bytes.NewReader(body), contentType, Limits{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(form.File.Data, payload) {
		t.Error("large attachment corrupted in transit")
	}
	if form.Fields["tag_name"] != "1.0.0" {
		t.Errorf("tag_name = %q, want 1.0.0", form.Fields["tag_name"])
	}
}

func TestDecodeEmptyAttachment(t *testing.T) {
	contentType, body := writerBody(t, nil, "empty.pkg", []byte{})

	form, err := Decode(bytes.NewReader(body), contentType, Limits{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if form.File == nil {
		t.Fatal("no attachment decoded")
	}
	if len(form.File.Data) != 0 {
		t.Errorf("attachment length = %d, want 0", len(form.File.Data))
	}
}

func TestDecodeFileFieldNotDuplicated(t *testing.T) {
	contentType, body := writerBody(t, map[string]string{"owner": "acme"}, "a.pkg", []byte("x"))

	form, err := Decode(bytes.NewReader(body), contentType, Limits{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, ok := form.Fields["file"]; ok {
		t.Error("attachment leaked into the string field table")
	}
}

func TestDecodeMissingBoundary(t *testing.T) {
	_, err := Decode(strings.NewReader(""), "multipart/form-data", Limits{})
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestDecodeWrongContentType(t *testing.T) {
	_, err := Decode(strings.NewReader("{}"), "application/json", Limits{})
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestDecodeNoPartsAtAll(t *testing.T) {
	body := rawBody("--"+testBoundary+"--", "")

	form, err := Decode(strings.NewReader(body), ctype(testBoundary), Limits{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(form.Fields) != 0 || form.File != nil {
		t.Errorf("form = %+v, want empty", form)
	}
}

func TestDecodePreambleIgnored(t *testing.T) {
	body := rawBody(
		"this is a preamble",
		"--"+testBoundary,
		`Content-Disposition: form-data; name="owner"`,
		"",
		"acme",
		"--"+testBoundary+"--",
		"",
	)

	form, err := Decode(strings.NewReader(body), ctype(testBoundary), Limits{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if form.Fields["owner"] != "acme" {
		t.Errorf("owner = %q, want acme", form.Fields["owner"])
	}
}

func TestDecodeBoundaryPaddingTolerated(t *testing.T) {
	body := rawBody(
		"--"+testBoundary+"  ",
		`Content-Disposition: form-data; name="owner"`,
		"",
		"acme",
		"--"+testBoundary+"-- ",
		"",
	)

	form, err := Decode(strings.NewReader(body), ctype(testBoundary), Limits{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if form.Fields["owner"] != "acme" {
		t.Errorf("owner = %q, want acme", form.Fields["owner"])
	}
}

func TestDecodeCloseDelimiterWithoutTrailingNewline(t *testing.T) {
	body := rawBody(
		"--"+testBoundary,
		`Content-Disposition: form-data; name="repo"`,
		"",
		"widget",
		"--"+testBoundary+"--",
	)

	form, err := Decode(strings.NewReader(body), ctype(testBoundary), Limits{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if form.Fields["repo"] != "widget" {
		t.Errorf("repo = %q, want widget", form.Fields["repo"])
	}
}

func TestDecodeUnterminatedBody(t *testing.T) {
	body := rawBody(
		"--"+testBoundary,
		`Content-Disposition: form-data; name="owner"`,
		"",
		"acme",
	)

	_, err := Decode(strings.NewReader(body), ctype(testBoundary), Limits{})
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestDecodePartWithoutDisposition(t *testing.T) {
	body := rawBody(
		"--"+testBoundary,
		"Content-Type: text/plain",
		"",
		"orphan",
		"--"+testBoundary+"--",
		"",
	)

	_, err := Decode(strings.NewReader(body), ctype(testBoundary), Limits{})
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestDecodeSecondAttachmentRejected(t *testing.T) {
	body := rawBody(
		"--"+testBoundary,
		`Content-Disposition: form-data; name="file"; filename="a.pkg"`,
		"",
		"one",
		"--"+testBoundary,
		`Content-Disposition: form-data; name="extra"; filename="b.pkg"`,
		"",
		"two",
		"--"+testBoundary+"--",
		"",
	)

	_, err := Decode(strings.NewReader(body), ctype(testBoundary), Limits{})
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestDecodeAttachmentLimit(t *testing.T) {
	contentType, body := writerBody(t, nil, "a.pkg", []byte("12345678"))

	// Exactly at the limit passes.
	form, err := Decode(bytes.NewReader(body), contentType, Limits{MaxFileBytes: 8})
	if err != nil {
		t.Fatalf("Decode at limit: %v", err)
	}
	if len(form.File.Data) != 8 {
		t.Errorf("attachment length = %d, want 8", len(form.File.Data))
	}

	// One byte over fails.
	contentType, body = writerBody(t, nil, "a.pkg", []byte("123456789"))
	_, err = Decode(bytes.NewReader(body), contentType, Limits{MaxFileBytes: 8})
	if !errors.Is(err, ErrTooLarge) {
		t.Errorf("err = %v, want ErrTooLarge", err)
	}
}

func TestDecodeAttachmentLimitStopsMidStream(t *testing.T) {
	contentType, body := writerBody(t, nil, "a.pkg", bytes.Repeat([]byte{'x'}, 300<<10))

	_, err := Decode(bytes.NewReader(body), contentType, Limits{MaxFileBytes: 16})
	if !errors.Is(err, ErrTooLarge) {
		t.Errorf("err = %v, want ErrTooLarge", err)
	}
}

func TestDecodeFieldLimit(t *testing.T) {
	contentType, body := writerBody(t, map[string]string{"body": strings.Repeat("z", 100)}, "", nil)

	_, err := Decode(bytes.NewReader(body), contentType, Limits{MaxFieldBytes: 64})
	if !errors.Is(err, ErrTooLarge) {
		t.Errorf("err = %v, want ErrTooLarge", err)
	}
}
