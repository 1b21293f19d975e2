package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisshield/telemetry-rules-engine/internal/config"
)

type fakeHAStore struct {
	pingErr   error
	master    atomic.Value // string
	masterErr atomic.Value // error
}

func newFakeHAStore(master string) *fakeHAStore {
	s := &fakeHAStore{}
	s.master.Store(master)
	s.masterErr.Store(error(nil))
	return s
}

func (s *fakeHAStore) setMaster(host string) { s.master.Store(host) }

func (s *fakeHAStore) GetValues(_ context.Context, _ []string) (map[string]float64, error) {
	return nil, nil
}
func (s *fakeHAStore) SetValues(_ context.Context, _ map[string]float64) error { return nil }
func (s *fakeHAStore) Publish(_ context.Context, _, _ string) error           { return nil }
func (s *fakeHAStore) Close() error                                           { return nil }

func (s *fakeHAStore) Ping(_ context.Context) error { return s.pingErr }

func (s *fakeHAStore) SentinelMaster(_ context.Context) (string, error) {
	if err, _ := s.masterErr.Load().(error); err != nil {
		return "", err
	}
	host, _ := s.master.Load().(string)
	return host, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHA_BecomesActiveWhenSentinelMasterMatchesSelfHost(t *testing.T) {
	s := newFakeHAStore("host-a")
	ha := NewHA(config.HAConfig{SelfHost: "host-a"}, s, discardLogger())

	assert.False(t, ha.IsActive())
	ha.tick(context.Background())
	assert.True(t, ha.IsActive())
}

func TestHA_SentinelMasterFlipDemotesCurrentActive(t *testing.T) {
	s := newFakeHAStore("host-a")
	ha := NewHA(config.HAConfig{SelfHost: "host-a"}, s, discardLogger())

	ha.tick(context.Background())
	require.True(t, ha.IsActive())

	s.setMaster("host-b")
	ha.tick(context.Background())
	assert.False(t, ha.IsActive(), "a sentinel master flip to another host must demote this instance")
}

func TestHA_StepsDownOnPingFailure(t *testing.T) {
	s := newFakeHAStore("host-a")
	ha := NewHA(config.HAConfig{SelfHost: "host-a"}, s, discardLogger())

	ha.tick(context.Background())
	require.True(t, ha.IsActive())

	s.pingErr = errors.New("connection refused")
	ha.tick(context.Background())
	assert.False(t, ha.IsActive())
}

func TestHA_StepsDownOnSentinelLookupFailure(t *testing.T) {
	s := newFakeHAStore("host-a")
	ha := NewHA(config.HAConfig{SelfHost: "host-a"}, s, discardLogger())

	ha.tick(context.Background())
	require.True(t, ha.IsActive())

	s.masterErr.Store(errors.New("no sentinels reachable"))
	ha.tick(context.Background())
	assert.False(t, ha.IsActive())
}
