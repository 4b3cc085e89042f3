package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" authorization = Bearer abc ,x-team=ledger,broken,=empty,")
	require.Equal(t, map[string]string{
		"authorization": "Bearer abc",
		"x-team":        "ledger",
	}, got)
	require.Empty(t, ParseHeaders(""))
}

func TestStartDisabledIsNoop(t *testing.T) {
	stop, err := Start(context.Background(), Config{})
	require.NoError(t, err)
	require.NoError(t, stop(context.Background()))
}

func TestStartRequiresService(t *testing.T) {
	_, err := Start(context.Background(), Config{Traces: true})
	require.Error(t, err)
}
