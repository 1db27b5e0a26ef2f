package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

const storedAtHeaderName = "Offline-Cache-Stored-At"

// StoredResponse is a response snapshot read back from a partition.
type StoredResponse struct {
	Response *http.Response
	// The value of the clock when the snapshot was written.
	StoredAt time.Time
}

// ResponseToBytes snapshots status, headers and body of a response
// in HTTP/1.1 wire format.
// The response body is consumed and set back, so the caller can still
// send the response on (the snapshot acts as the stored clone).
func ResponseToBytes(res *http.Response, storedAt time.Time) ([]byte, error) {
	body, err := readBody(res)
	if err != nil {
		return nil, err
	}
	if !bodyAllowedForStatus(res.StatusCode) {
		body = nil
	}
	snapshot := &http.Response{
		StatusCode:    res.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        res.Header.Clone(),
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(bytes.NewReader(body)),
	}
	if snapshot.Header == nil {
		snapshot.Header = http.Header{}
	}
	snapshot.Header.Set(storedAtHeaderName, strconv.FormatInt(storedAt.UnixNano(), 10))

	buf := &bytes.Buffer{}
	if err := snapshot.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BytesToResponse converts a snapshot back to a response for the given request.
func BytesToResponse(b []byte, req *http.Request) (StoredResponse, error) {
	sRes := StoredResponse{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
	if err != nil {
		return sRes, err
	}
	sRes.Response = res
	if storedAt := res.Header.Get(storedAtHeaderName); storedAt != "" {
		if nanos, err := strconv.ParseInt(storedAt, 10, 64); err == nil {
			sRes.StoredAt = time.Unix(0, nanos)
		} else {
			log.Warn().Err(err).Str("value", storedAt).Msg("Could not parse stored-at header")
		}
	}
	res.Header.Del(storedAtHeaderName)
	return sRes, nil
}

// readBody reads the full body and sets an equivalent reader back on the response.
func readBody(res *http.Response) ([]byte, error) {
	if res.Body == nil || res.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return nil, err
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	return body, nil
}

func bodyAllowedForStatus(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent:
		return false
	case status == http.StatusNotModified:
		return false
	}
	return true
}
