package broker

import "errors"

var (
	// ErrCredentialsMissing is fatal for a user's streaming: no key/account, or the broker rejected them.
	ErrCredentialsMissing = errors.New("broker credentials missing or rejected")
	// ErrUpstreamConnect is scoped to one instrument and is retried with backoff before surfacing.
	ErrUpstreamConnect = errors.New("upstream connect failure")
	// ErrMalformedRecord marks a stream line that could not be decoded; the stream continues.
	ErrMalformedRecord = errors.New("malformed stream record")
	// ErrStreamClosed is reported when the broker ends a stream without being asked to.
	ErrStreamClosed = errors.New("upstream stream closed")
	ErrFeedClosed   = errors.New("feed closed")
)
