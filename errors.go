// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package telecall

import (
	"errors"
	"fmt"
)

var (
	ErrURLNotProvided      = errors.New("URL was not provided")
	ErrCannotDialSignal    = errors.New("could not dial signal connection")
	ErrSignalClosed        = errors.New("signal connection is closed")
	ErrNotAuthorized       = errors.New("participant role is not authorized for this action")
	ErrSessionEnded        = errors.New("session has ended")
	ErrAlreadyJoined       = errors.New("session already joined")
	ErrNegotiationTimeout  = errors.New("negotiation did not complete before timeout")
	ErrUnknownPeer         = errors.New("unknown peer")
	ErrPeerClosed          = errors.New("peer is closed")
	ErrNoLocalMedia        = errors.New("local media has not been acquired")
	ErrNoCaptureDevice     = errors.New("no capture device available")
	ErrCannotDetermineMime = errors.New("cannot determine mimetype from file extension")
	ErrUnsupportedFileType = errors.New("ReaderSampleProvider does not support this mime type")
	ErrRecordingActive     = errors.New("recording already in progress")
	ErrRecordingInactive   = errors.New("no recording in progress")
	ErrInvalidQuality      = errors.New("unknown quality preset")

	// matched by CallError.Is
	ErrMediaAccessDenied    = errors.New("media access denied")
	ErrSignalingUnavailable = errors.New("signaling unavailable")
	ErrNegotiationFailed    = errors.New("negotiation failed")
	ErrRecordingFailure     = errors.New("recording failure")
)

type ErrorKind int

const (
	MediaAccessDenied ErrorKind = iota
	SignalingUnavailable
	NegotiationFailed
	RecordingFailure
)

func (k ErrorKind) String() string {
	switch k {
	case MediaAccessDenied:
		return "MediaAccessDenied"
	case SignalingUnavailable:
		return "SignalingUnavailable"
	case NegotiationFailed:
		return "NegotiationFailed"
	case RecordingFailure:
		return "RecordingFailure"
	default:
		return fmt.Sprintf("Unknown: %d", int(k))
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case MediaAccessDenied:
		return ErrMediaAccessDenied
	case SignalingUnavailable:
		return ErrSignalingUnavailable
	case NegotiationFailed:
		return ErrNegotiationFailed
	default:
		return ErrRecordingFailure
	}
}

// CallError classifies a failure so the host application can decide between
// offering a retry and hanging up.
type CallError struct {
	Kind ErrorKind
	Err  error
}

func newCallError(kind ErrorKind, err error) *CallError {
	return &CallError{Kind: kind, Err: err}
}

func (e *CallError) Error() string {
	if e.Err == nil {
		return e.Kind.sentinel().Error()
	}
	return fmt.Sprintf("%s: %v", e.Kind.sentinel(), e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

func (e *CallError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// Retryable reports whether the call may succeed if attempted again.
func (e *CallError) Retryable() bool {
	return e.Kind == SignalingUnavailable
}

// IsRetryable reports whether err carries a retryable CallError.
func IsRetryable(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	return false
}
