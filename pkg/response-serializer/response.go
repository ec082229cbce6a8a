package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
)

// Snapshot returns the HTTP/1.1 representation of a response with the given body.
// The response body itself is not read; body holds the content to store.
func Snapshot(res *http.Response, body []byte) ([]byte, error) {
	snapshot := &http.Response{
		Status:        res.Status,
		StatusCode:    res.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        res.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Trailer:       res.Trailer.Clone(),
	}
	// the snapshot always carries its full body
	snapshot.Header.Del("Content-Length")
	snapshot.Header.Del("Transfer-Encoding")
	buf := &bytes.Buffer{}
	if err := snapshot.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BytesToResponse converts a stored snapshot to a http.Response for the given request.
func BytesToResponse(b []byte, req *http.Request) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
}

// ResponseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response.
// The response body is consumed and replaced with an equal one.
func ResponseToBytes(res *http.Response) ([]byte, error) {
	var body []byte
	if res.Body != nil {
		var err error
		body, err = io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return nil, err
		}
	}
	// set response body back
	res.Body = io.NopCloser(bytes.NewReader(body))
	return Snapshot(res, body)
}
