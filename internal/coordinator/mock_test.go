package coordinator

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/zjrosen/herald/internal/envelope"
	"github.com/zjrosen/herald/internal/journal"
	"github.com/zjrosen/herald/internal/supervisor"
)

type mockSupervisor struct {
	mock.Mock
}

var _ supervisor.Supervisor = (*mockSupervisor)(nil)

func (m *mockSupervisor) Connect(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockSupervisor) Disconnect() {
	m.Called()
}

func (m *mockSupervisor) Start(ctx context.Context, spec supervisor.ProcessSpec) error {
	return m.Called(ctx, spec).Error(0)
}

func (m *mockSupervisor) Stop(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *mockSupervisor) Delete(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *mockSupervisor) List(ctx context.Context) ([]supervisor.ProcessInfo, error) {
	args := m.Called(ctx)
	infos, _ := args.Get(0).([]supervisor.ProcessInfo)
	return infos, args.Error(1)
}

func (m *mockSupervisor) LaunchBus(ctx context.Context) (supervisor.Bus, error) {
	args := m.Called(ctx)
	bus, _ := args.Get(0).(supervisor.Bus)
	return bus, args.Error(1)
}

func (m *mockSupervisor) SendDataToProcessID(ctx context.Context, env envelope.Envelope) (supervisor.Response, error) {
	args := m.Called(ctx, env)
	return args.Get(0).(supervisor.Response), args.Error(1)
}

// chanBus is a Bus fed directly by tests.
type chanBus struct {
	ch     chan envelope.Packet
	once   sync.Once
	closed chan struct{}
}

func newChanBus() *chanBus {
	return &chanBus{ch: make(chan envelope.Packet, 16), closed: make(chan struct{})}
}

func (b *chanBus) Packets() <-chan envelope.Packet { return b.ch }

func (b *chanBus) Close() {
	b.once.Do(func() {
		close(b.closed)
		close(b.ch)
	})
}

// recordingJournal keeps entries in memory.
type recordingJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
	err     error
}

func (j *recordingJournal) Record(_ context.Context, e journal.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.entries = append(j.entries, e)
	return nil
}

func (j *recordingJournal) Recent(context.Context, journal.Query) ([]journal.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]journal.Entry(nil), j.entries...), nil
}

func (j *recordingJournal) Close() error { return nil }

func (j *recordingJournal) kinds() []journal.Kind {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]journal.Kind, 0, len(j.entries))
	for _, e := range j.entries {
		out = append(out, e.Kind)
	}
	return out
}
