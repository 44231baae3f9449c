package submit

import (
	"bytes"
	"io"
	"strconv"
	"strings"
	"time"
)

// boundaryPrefix is the run of dashes that precedes the generated boundary token.
const boundaryPrefix = "---------------------------"

// Part framing.
const (
	fileField       = "file"
	fileContentType = "application/octet-stream"
	crlf            = "\r\n"
)

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// Boundary derives a multipart boundary from t, as the dash prefix followed by the
// nanosecond clock in lowercase hex.
func Boundary(t time.Time) string {
	return boundaryPrefix + strconv.FormatInt(t.UnixNano(), 16)
}

// ContentType is the request Content-Type for boundary.
func ContentType(boundary string) string {
	return "multipart/form-data; boundary=" + boundary
}

// framing returns the bytes written before and after the file content of a
// single-part form body.
func framing(boundary, filename string) (prefix, suffix []byte) {
	var b bytes.Buffer
	b.WriteString("--" + boundary + crlf)
	b.WriteString(`Content-Disposition: form-data; name="` + fileField + `"; filename="` + quoteEscaper.Replace(filename) + `"` + crlf)
	b.WriteString("Content-Type: " + fileContentType + crlf)
	b.WriteString(crlf)
	prefix = b.Bytes()
	suffix = []byte(crlf + "--" + boundary + "--" + crlf)
	return prefix, suffix
}

// body streams one file part. The returned length is exact, so the request can carry a
// Content-Length instead of chunked encoding.
func body(boundary, filename string, content io.Reader, size int64) (io.Reader, int64) {
	prefix, suffix := framing(boundary, filename)
	length := int64(len(prefix)) + size + int64(len(suffix))
	return io.MultiReader(bytes.NewReader(prefix), content, bytes.NewReader(suffix)), length
}
