package tokens

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/copydesk/pkg/models"
)

func TestEncodingFor(t *testing.T) {
	assert.Equal(t, "o200k_base", encodingFor("gpt-4o"))
	assert.Equal(t, "o200k_base", encodingFor("gpt-4o-2024-08-06"))
	assert.Equal(t, "o200k_base", encodingFor("gpt-4o-mini-2024-07-18"))
	assert.Equal(t, "cl100k_base", encodingFor("gpt-4-0613"))
	assert.Equal(t, "cl100k_base", encodingFor("claude-3-5-sonnet"))
}

func TestHeuristic(t *testing.T) {
	h := Heuristic{}
	assert.Equal(t, 0, h.CountText(""))
	assert.Equal(t, 1, h.CountText("hi"))
	assert.Equal(t, 25, h.CountText(strings.Repeat("a", 100)))
	assert.Equal(t, 2, h.CountText("你好世"))

	msgs := []models.ChatMessage{
		{Role: "system", Content: strings.Repeat("a", 40)},
		{Role: "user", Content: strings.Repeat("b", 80)},
	}
	// 10+4 + 20+4 + 3
	assert.Equal(t, 41, h.CountMessages(msgs))
}

func TestReservationAddsCompletionBudget(t *testing.T) {
	msgs := []models.ChatMessage{{Role: "user", Content: strings.Repeat("x", 400)}}
	assert.Equal(t, int64(100+4+3+600), Reservation(Heuristic{}, msgs, 600))
}

func TestEstimatorCountsSomething(t *testing.T) {
	e := NewEstimator(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = e.Preload(ctx, "gpt-4o")

	c := e.ForModel("gpt-4o")
	msgs := []models.ChatMessage{
		{Role: "system", Content: "You are a copywriter."},
		{Role: "user", Content: "Write a product description for a ceramic mug."},
	}
	n := c.CountMessages(msgs)
	// tiktoken or heuristic, both include the per-message overhead
	assert.Greater(t, n, 2*4+3)
	assert.Equal(t, n, c.CountMessages(msgs))
}

func TestSlowEncodingLoadDoesNotBlockCounting(t *testing.T) {
	release := make(chan struct{})
	e := NewEstimator(nil)
	e.getEncoding = func(string) (*tiktoken.Tiktoken, error) {
		<-release
		return nil, errors.New("offline")
	}

	msgs := []models.ChatMessage{{Role: "user", Content: strings.Repeat("b", 80)}}
	counted := make(chan int, 1)
	go func() { counted <- e.ForModel("gpt-4o").CountMessages(msgs) }()

	select {
	case n := <-counted:
		assert.Equal(t, Heuristic{}.CountMessages(msgs), n)
	case <-time.After(2 * time.Second):
		t.Fatal("counting waited on the encoding load")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Preload(ctx, "gpt-4o"), context.DeadlineExceeded)

	close(release)
	require.NoError(t, e.Preload(context.Background(), "gpt-4o", "gpt-4o-mini"))
	assert.Equal(t, Heuristic{}.CountMessages(msgs), e.ForModel("gpt-4o").CountMessages(msgs))
}

func TestPreloadLoadsEachEncodingOnce(t *testing.T) {
	calls := map[string]int{}
	e := NewEstimator(nil)
	e.getEncoding = func(name string) (*tiktoken.Tiktoken, error) {
		calls[name]++
		return nil, errors.New("offline")
	}

	require.NoError(t, e.Preload(context.Background(), "gpt-4o", "gpt-4o-mini", "gpt-4"))
	require.NoError(t, e.Preload(context.Background(), "gpt-4o"))
	assert.Equal(t, map[string]int{"o200k_base": 1, "cl100k_base": 1}, calls)
}
