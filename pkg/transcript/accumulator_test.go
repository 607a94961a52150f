package transcript

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type change struct {
	role Role
	text string
}

func recorder() (*[]change, ChangeFunc) {
	var got []change
	return &got, func(role Role, text string) {
		got = append(got, change{role, text})
	}
}

func TestDrainPreservesOrder(t *testing.T) {
	got, fn := recorder()
	acc := New(fn)

	acc.AppendUser("Hel")
	acc.AppendUser("lo")
	acc.AppendUser(" there")
	acc.Drain()

	assert.Equal(t, "Hello there", acc.CurrentUser())
	assert.Equal(t, "", acc.CurrentAssistant())
	require.Len(t, *got, 1, "one notification per non-empty batch")
	assert.Equal(t, change{User, "Hello there"}, (*got)[0])
}

func TestTranscriptsAreIsolated(t *testing.T) {
	got, fn := recorder()
	acc := New(fn)

	acc.AppendUser("what time")
	acc.AppendAssistant("It is")
	acc.AppendUser(" is it")
	acc.AppendAssistant(" noon.")
	acc.Drain()

	assert.Equal(t, "what time is it", acc.CurrentUser())
	assert.Equal(t, "It is noon.", acc.CurrentAssistant())
	assert.Equal(t, []change{{User, "what time is it"}, {Assistant, "It is noon."}}, *got)
}

func TestDrainWithoutDeltasDoesNotNotify(t *testing.T) {
	got, fn := recorder()
	acc := New(fn)

	acc.Drain()
	acc.AppendAssistant("hi")
	acc.Drain()
	acc.Drain()

	assert.Equal(t, []change{{Assistant, "hi"}}, *got)
}

func TestResetDropsPendingAndNotifies(t *testing.T) {
	got, fn := recorder()
	acc := New(fn)

	acc.AppendAssistant("first answer")
	acc.Drain()
	acc.AppendAssistant(" more of the first answer")
	acc.AppendUser("kept")

	acc.ResetAssistant()
	acc.Drain()

	assert.Equal(t, "", acc.CurrentAssistant())
	assert.Equal(t, "kept", acc.CurrentUser())
	assert.Equal(t, []change{
		{Assistant, "first answer"},
		{Assistant, ""},
		{User, "kept"},
	}, *got)
}

func TestResetUserLeavesAssistant(t *testing.T) {
	acc := New(nil)
	acc.AppendUser("u")
	acc.AppendAssistant("a")
	acc.Drain()

	acc.ResetUser()

	assert.Equal(t, "", acc.CurrentUser())
	assert.Equal(t, "a", acc.CurrentAssistant())
}

func TestConcurrentAppendKeepsPerProducerOrder(t *testing.T) {
	acc := New(nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			acc.AppendUser("u")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			acc.AppendAssistant("a")
		}
	}()
	wg.Wait()
	acc.Drain()

	require.Len(t, acc.CurrentUser(), 100)
	require.Len(t, acc.CurrentAssistant(), 100)
	assert.NotContains(t, acc.CurrentUser(), "a")
	assert.NotContains(t, acc.CurrentAssistant(), "u")
}

func TestRoleString(t *testing.T) {
	assert.Equal(t, "user", User.String())
	assert.Equal(t, "assistant", Assistant.String())
}
