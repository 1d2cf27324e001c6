package agent

import (
	"context"
	"sync"
	"testing"

	"github.com/rahul/webpilot/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_RunKeepsOrder(t *testing.T) {
	h := newHarness(t, nil)
	s := NewScheduler(h.runner, 2)

	var mu sync.Mutex
	seen := map[int]task.Status{}
	s.OnResult = func(i int, res task.TaskResult, _ error) {
		mu.Lock()
		defer mu.Unlock()
		seen[i] = res.Status
	}

	opts := DefaultOptions()
	opts.OutputPath = "ignored.json"
	results, err := s.Run(context.Background(), []string{
		"search laptops",
		"  ",
		"navigate to the homepage",
		"take a screenshot of https://example.com",
	}, opts)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 3")
	require.Len(t, results, 3)
	assert.Equal(t, "search laptops", results[0].Instruction)
	assert.Equal(t, task.StatusSuccess, results[0].Status)
	assert.Equal(t, task.StatusFailed, results[1].Status)
	assert.Equal(t, task.StatusSuccess, results[2].Status)
	assert.NotEqual(t, results[0].TaskID, results[2].TaskID)
	assert.Len(t, seen, 3)
	assert.Len(t, h.launcher.Drivers(), 2)
	assert.Equal(t, 3, h.memory.Len())
	assert.NoFileExists(t, "ignored.json")
}

func TestScheduler_AllPlanned(t *testing.T) {
	h := newHarness(t, nil)
	results, err := NewScheduler(h.runner, 0).Run(context.Background(), []string{"search laptops", "search phones"}, DefaultOptions())
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

type recordingMessenger struct {
	chatID, text string
}

func (m *recordingMessenger) Send(chatID, text string) error {
	m.chatID, m.text = chatID, text
	return nil
}

func TestScheduler_Notify(t *testing.T) {
	h := newHarness(t, nil)
	m := &recordingMessenger{}
	render := func(res task.TaskResult) string { return string(res.Status) }

	require.NoError(t, NewScheduler(h.runner, 1).Notify(context.Background(), m, "42", "search laptops", DefaultOptions(), render))
	assert.Equal(t, "42", m.chatID)
	assert.Equal(t, "SUCCESS", m.text)

	require.NoError(t, NewScheduler(h.runner, 1).Notify(context.Background(), m, "42", "navigate to the homepage", DefaultOptions(), render))
	assert.Contains(t, m.text, "cannot plan NAVIGATE")
	assert.Contains(t, m.text, "FAILED")
}
