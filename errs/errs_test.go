package errs_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/element-hq/element-android-sub012/errs"
)

func TestErrorRendering(t *testing.T) {
	err := errs.New("echostore", errs.CodeDuplicateEcho,
		errs.WithMessage("echo already exists"),
		errs.WithCause(errors.New("pk violation")))
	require.Contains(t, err.Error(), "component=echostore")
	require.Contains(t, err.Error(), "code=duplicate_echo")
	require.Contains(t, err.Error(), `message="echo already exists"`)
	require.Contains(t, err.Error(), `cause="pk violation"`)
}

func TestCodeOfWalksWrappedCauses(t *testing.T) {
	inner := errs.New("transport", errs.CodeNetwork, errs.WithMessage("dial timeout"))
	wrapped := fmt.Errorf("send event: %w", inner)
	require.Equal(t, errs.CodeNetwork, errs.CodeOf(wrapped))
	require.True(t, errs.IsCode(wrapped, errs.CodeNetwork))
}

func TestRetryableClassification(t *testing.T) {
	require.True(t, errs.Retryable(errs.New("transport", errs.CodeNetwork)))
	require.True(t, errs.Retryable(errs.New("transport", errs.CodeUnavailable)))
	require.False(t, errs.Retryable(errs.New("transport", errs.CodeServerRejected)))
	require.False(t, errs.Retryable(errs.New("crypto", errs.CodeCryptoUnknownDevices)))
	require.False(t, errs.Retryable(errors.New("plain")))
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("boom")
	err := errs.New("outbox", errs.CodeInvalidEvent, errs.WithCause(cause))
	require.ErrorIs(t, err, cause)
}

func TestNilEnvelope(t *testing.T) {
	var err *errs.E
	require.Equal(t, "<nil>", err.Error())
}
