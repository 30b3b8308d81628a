package session

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
)

// MaxReplayBody is the largest request body without GetBody that is buffered
// for a replay.
const MaxReplayBody = 10 << 20

// ErrBodyTooLarge is returned for requests whose body can't be rewound and
// exceeds MaxReplayBody.
var ErrBodyTooLarge = errors.New("request body too large to replay")

// PendingRequest tracks one caller request across its (at most two) attempts.
type PendingRequest struct {
	// ID correlates log lines of the attempts.
	ID string
	// Original is the caller's request. It is never modified.
	Original *http.Request
	// Request is the authenticated clone dispatched for the current attempt.
	Request *http.Request
	// Attempt is 0 for the first dispatch and 1 for the replay.
	Attempt int
	// EpochAtSend is the refresh epoch observed when Request was authenticated.
	EpochAtSend uint64

	// token is the access token Request carries, empty when unauthenticated
	token   string
	getBody func() (io.ReadCloser, error)
}

// newPendingRequest makes the request body replayable. Bodies without GetBody are
// buffered in memory once, before the first dispatch, up to MaxReplayBody.
func newPendingRequest(req *http.Request) (*PendingRequest, error) {
	p := &PendingRequest{
		ID:       uuid.NewString(),
		Original: req,
	}

	switch {
	case req.Body == nil || req.Body == http.NoBody:
	case req.GetBody != nil:
		p.getBody = req.GetBody
		// The caller's body is superseded by GetBody copies
		_ = req.Body.Close()
	case req.ContentLength > MaxReplayBody:
		_ = req.Body.Close()
		return nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, req.ContentLength)
	default:
		data, err := io.ReadAll(io.LimitReader(req.Body, MaxReplayBody+1))
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("buffering request body: %w", err)
		}
		if len(data) > MaxReplayBody {
			return nil, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, MaxReplayBody)
		}
		p.getBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		}
	}

	return p, nil
}

// clone returns a copy of the original request with a fresh body.
func (p *PendingRequest) clone() (*http.Request, error) {
	out := p.Original.Clone(p.Original.Context())
	if p.getBody == nil {
		return out, nil
	}

	body, err := p.getBody()
	if err != nil {
		return nil, fmt.Errorf("rewinding request body: %w", err)
	}
	out.Body = body
	out.GetBody = p.getBody
	return out, nil
}
