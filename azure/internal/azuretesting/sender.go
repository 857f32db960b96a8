// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package azuretesting provides a fake HTTP transport for exercising
// real Azure SDK clients with canned responses.
package azuretesting

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
)

// MockSender is a policy.Transporter that replies to each request with
// the next queued response, recording every request it sees.
type MockSender struct {
	mu        sync.Mutex
	responses []mockResponse

	// Requests holds "<METHOD> <URL>" for each request received, in
	// order. RequestBodies holds the corresponding request bodies.
	Requests      []string
	RequestBodies []string
}

type mockResponse struct {
	status  int
	content string
	header  http.Header
}

// AppendResponse queues a 200 application/json response with the
// given body.
func (s *MockSender) AppendResponse(content string) {
	s.AppendResponseWithStatus(content, http.StatusOK)
}

// AppendResponseWithStatus queues an application/json response with
// the given body and status code.
func (s *MockSender) AppendResponseWithStatus(content string, status int) {
	s.AppendResponseWithHeader(content, status, nil)
}

// AppendResponseWithHeader queues a response with the given body,
// status code and headers. The Content-Type defaults to
// application/json unless the headers say otherwise.
func (s *MockSender) AppendResponseWithHeader(content string, status int, header http.Header) {
	h := http.Header{}
	for k, vs := range header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", "application/json")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, mockResponse{status: status, content: content, header: h})
}

// Do implements policy.Transporter.
func (s *MockSender) Do(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var body string
	if req.Body != nil {
		data, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		body = string(data)
	}
	s.Requests = append(s.Requests, req.Method+" "+req.URL.String())
	s.RequestBodies = append(s.RequestBodies, body)
	if len(s.responses) == 0 {
		return nil, fmt.Errorf("no response queued for %s %s", req.Method, req.URL)
	}
	next := s.responses[0]
	s.responses = s.responses[1:]
	resp := &http.Response{
		Request:    req,
		StatusCode: next.status,
		Status:     http.StatusText(next.status),
		Header:     next.header,
		Body:       io.NopCloser(strings.NewReader(next.content)),
	}
	return resp, nil
}

// NewSenderWithValue returns a sender queued with the JSON encoding
// of v as a 200 response.
func NewSenderWithValue(v interface{}) *MockSender {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	sender := &MockSender{}
	sender.AppendResponse(string(data))
	return sender
}

// NotFoundResponse is the canonical ARM body for a missing resource.
const NotFoundResponse = `{"error":{"code":"ResourceNotFound","message":"the resource does not exist"}}`

// ConflictResponse is the canonical ARM body for a lost creation race.
const ConflictResponse = `{"error":{"code":"Conflict","message":"the resource already exists"}}`

// FakeCredential is a TokenCredential that always succeeds.
type FakeCredential struct{}

// GetToken implements azcore.TokenCredential.
func (FakeCredential) GetToken(ctx context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     "FakeToken",
		ExpiresOn: time.Now().Add(time.Hour).UTC(),
	}, nil
}
