package serializer

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestResponseToBytesBodyIntact(t *testing.T) {
	response := `HTTP/1.1 200 OK
Server: Test

This is the body`

	res, err := http.ReadResponse(bufio.NewReader(strings.NewReader(response)), nil)
	if err != nil {
		panic(err)
	}

	_, err = ResponseToBytes(res, time.Now())
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if fmt.Sprintf("%s", body) != "This is the body" {
		t.Fatalf("Body: %s", body)
	}
}

func TestStoredResponseSnapshot(t *testing.T) {
	res := &http.Response{
		StatusCode: http.StatusCreated,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("snapshot")),
	}
	res.Header.Add("Content-Type", "text/html")
	storedAt := time.Now()

	bts, err := ResponseToBytes(res, storedAt)
	if err != nil {
		t.Fatalf("Error creating bytes: %+v", err)
	}
	stored, err := BytesToResponse(bts, nil)
	if err != nil {
		t.Fatalf("Error creating response: %+v", err)
	}
	if stored.Response.StatusCode != http.StatusCreated {
		t.Fatalf("Status is %d", stored.Response.StatusCode)
	}
	if ct := stored.Response.Header.Get("Content-Type"); ct != "text/html" {
		t.Fatalf("Content-Type header wrong %+v", stored.Response.Header)
	}
	if stored.Response.Header.Get(storedAtHeaderName) != "" {
		t.Fatalf("Internal header leaked %+v", stored.Response.Header)
	}
	if !stored.StoredAt.Equal(time.Unix(0, storedAt.UnixNano())) {
		t.Fatalf("Stored at %s, expected %s", stored.StoredAt, storedAt)
	}
	body, _ := io.ReadAll(stored.Response.Body)
	if string(body) != "snapshot" {
		t.Fatalf("Body: %s", body)
	}
}

func TestOpaqueStatusWithoutBody(t *testing.T) {
	res := &http.Response{StatusCode: http.StatusNoContent, Header: http.Header{}}
	bts, err := ResponseToBytes(res, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	stored, err := BytesToResponse(bts, nil)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Response.StatusCode != http.StatusNoContent {
		t.Fatalf("Status is %d", stored.Response.StatusCode)
	}
}
