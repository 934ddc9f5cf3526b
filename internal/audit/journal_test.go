package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"command_center/internal/domain"
	"command_center/internal/messaging/inproc"
	"command_center/internal/store/sqlite"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestJournalMirrorsBusIntoSQLite(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Migrate(context.Background()))

	bus := inproc.New(inproc.Config{}, discardLogger())
	journal := New(bus, store, 16, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	journal.Start(ctx)

	id := bus.RegisterAgent(domain.AgentSpec{Name: "analyst", Role: domain.AgentRoleAnalyst})
	_, err = bus.SendCommand(domain.CommandInput{Type: domain.CommandStatus, Source: "op", Target: id})
	require.NoError(t, err)
	_, err = bus.SendCommand(domain.CommandInput{Type: domain.CommandStatus, Source: "op", Target: "ghost"})
	require.NoError(t, err)

	cancel()
	journal.Wait()

	commands, err := store.ListCommands(context.Background(), sqlite.CommandQuery{})
	require.NoError(t, err)
	require.Len(t, commands, 2)
	assert.Equal(t, "ghost", commands[0].Target)

	dropped, err := store.ListEvents(context.Background(), domain.EventCommandDropped, 0)
	require.NoError(t, err)
	require.Len(t, dropped, 1)
	assert.Contains(t, string(dropped[0].Detail), domain.DropReasonUnknownTarget)

	registered, err := store.ListEvents(context.Background(), domain.EventAgentRegistered, 0)
	require.NoError(t, err)
	require.Len(t, registered, 1)
	assert.Equal(t, id, registered[0].AgentID)
	assert.Zero(t, journal.Dropped())
	assert.EqualValues(t, 4, journal.Written())
}

type blockingSink struct {
	mu       sync.Mutex
	release  chan struct{}
	commands []domain.Command
	events   []domain.BusEventRecord
	fail     bool
}

func (s *blockingSink) AppendCommand(_ context.Context, cmd domain.Command) error {
	<-s.release
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.commands = append(s.commands, cmd)
	return nil
}

func (s *blockingSink) AppendEvent(_ context.Context, rec domain.BusEventRecord) error {
	<-s.release
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, rec)
	return nil
}

func TestJournalDropsWhenBufferIsFull(t *testing.T) {
	bus := inproc.New(inproc.Config{}, discardLogger())
	sink := &blockingSink{release: make(chan struct{})}
	journal := New(bus, sink, 1, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	journal.Start(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_, _ = bus.SendCommand(domain.CommandInput{Type: domain.CommandStatus, Source: "op"})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bus publish blocked on the journal")
	}

	require.Eventually(t, func() bool { return journal.Dropped() > 0 }, time.Second, 10*time.Millisecond)
	close(sink.release)
	cancel()
	journal.Wait()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.EqualValues(t, 10, int64(len(sink.commands))+journal.Dropped())
}

func TestJournalSurvivesSinkErrors(t *testing.T) {
	bus := inproc.New(inproc.Config{}, discardLogger())
	sink := &blockingSink{release: make(chan struct{}), fail: true}
	close(sink.release)
	journal := New(bus, sink, 8, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	journal.Start(ctx)

	_, err := bus.SendCommand(domain.CommandInput{Type: domain.CommandStatus, Source: "op"})
	require.NoError(t, err)
	bus.RegisterAgent(domain.AgentSpec{Name: "late"})

	cancel()
	journal.Wait()
	assert.EqualValues(t, 1, journal.Written())
	assert.Len(t, sink.events, 1)
}
