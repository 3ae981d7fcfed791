package ai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedClient struct {
	errs  []error
	calls int
}

func (s *scriptedClient) Name() string { return "scripted" }

func (s *scriptedClient) Do(ctx context.Context, req Request) (Response, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return Response{}, s.errs[i]
	}
	return Response{Text: "done"}, nil
}

func TestRetryRecoversFromTransientErrors(t *testing.T) {
	sc := &scriptedClient{errs: []error{&HTTPError{StatusCode: 503}, &RateLimitError{Provider: "p"}}}
	resp, err := WithRetry(sc, 3, time.Millisecond).Do(context.Background(), Request{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Text)
	assert.Equal(t, 3, sc.calls)
}

func TestRetryStopsOnFatalError(t *testing.T) {
	sc := &scriptedClient{errs: []error{&HTTPError{StatusCode: 400}}}
	_, err := WithRetry(sc, 3, time.Millisecond).Do(context.Background(), Request{})
	var h *HTTPError
	require.True(t, errors.As(err, &h))
	assert.Equal(t, 1, sc.calls)
}

func TestRetryGivesUpAfterAttempts(t *testing.T) {
	boom := &HTTPError{StatusCode: 500}
	sc := &scriptedClient{errs: []error{boom, boom, boom, boom}}
	_, err := WithRetry(sc, 2, time.Millisecond).Do(context.Background(), Request{})
	assert.Error(t, err)
	assert.Equal(t, 2, sc.calls)
}

func TestClassifiers(t *testing.T) {
	tests := []struct {
		err       error
		transient bool
		fatal     bool
		outcome   string
	}{
		{nil, false, false, "success"},
		{context.DeadlineExceeded, true, false, "timeout"},
		{context.Canceled, false, false, "error"},
		{&RateLimitError{}, true, false, "rate_limited"},
		{&HTTPError{StatusCode: 502}, true, false, "error"},
		{&HTTPError{StatusCode: 404}, false, true, "fatal"},
		{ErrContentRefused, false, true, "content_refused"},
		{errors.New("dial tcp: connection refused"), true, false, "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.transient, IsTransient(tt.err), "%v", tt.err)
		assert.Equal(t, tt.fatal, IsFatal(tt.err), "%v", tt.err)
		assert.Equal(t, tt.outcome, Outcome(tt.err), "%v", tt.err)
	}
}
