package stub_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-request-scheduler/internal/adapter/ai/stub"
	"github.com/fairyhunter13/ai-request-scheduler/internal/domain"
)

func TestStub_EchoesPrompt(t *testing.T) {
	c := stub.New()
	resp, err := c.SendRequest(context.Background(), domain.AIRequest{Prompt: "hello"})
	require.NoError(t, err)
	require.Equal(t, "stub", resp.Provider)
	require.Equal(t, "stub-small", resp.Model)
	require.Equal(t, "stub response: hello", resp.Content)
	require.NotZero(t, resp.Metadata.TokenUsage.Total)
}

func TestStub_HonorsContextCancellation(t *testing.T) {
	c := stub.New()
	c.Latency = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.SendRequest(ctx, domain.AIRequest{Prompt: "slow"})
	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Less(t, time.Since(start), time.Second)
}

func TestStub_ConfiguredError(t *testing.T) {
	c := stub.New()
	c.Err = errors.New("injected")
	_, err := c.SendRequest(context.Background(), domain.AIRequest{Prompt: "p"})
	require.ErrorIs(t, err, domain.ErrProvider)
}
