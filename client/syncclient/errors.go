package syncclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies a failed poll
type ErrorKind string

const (
	KindTimeout ErrorKind = "timeout"
	KindNetwork ErrorKind = "network"
	KindServer  ErrorKind = "server"
	KindClient  ErrorKind = "client"
)

// SyncError is a failed poll as seen by an observer
type SyncError struct {
	Kind       ErrorKind
	StatusCode int // set for server and client errors
	Err        error
}

func (e *SyncError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("sync %s error (%d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("sync %s error: %v", e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

func classify(err error) *SyncError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		kind := KindClient
		if apiErr.StatusCode >= 500 {
			kind = KindServer
		}
		return &SyncError{Kind: kind, StatusCode: apiErr.StatusCode, Err: err}
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) && netErr.Timeout() {
		return &SyncError{Kind: KindTimeout, Err: err}
	}
	return &SyncError{Kind: KindNetwork, Err: err}
}

func isGone(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
