package persist

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/debashish-mukherjee/go-snmpusm/internal/usmuser"
	v3 "github.com/debashish-mukherjee/go-snmpusm/internal/v3"
)

type countingSaver struct {
	calls atomic.Int64
	err   error
}

func (s *countingSaver) SaveFile(string) (int, error) {
	s.calls.Add(1)
	return 0, s.err
}

func TestNewManagerDisabledWithoutPath(t *testing.T) {
	m, err := NewManager(&countingSaver{}, "", "@every 1s")
	require.NoError(t, err)
	require.Nil(t, m)
	m.Start()
	require.NoError(t, m.Stop())
	require.Equal(t, false, m.Statistics()["enabled"])
}

func TestNewManagerRejectsBadSchedule(t *testing.T) {
	_, err := NewManager(&countingSaver{}, "users.conf", "whenever")
	require.ErrorContains(t, err, "invalid persist schedule")
}

func TestParseSchedule(t *testing.T) {
	for _, spec := range []string{"*/5 * * * *", "@hourly", "@every 30s", " 0 3 * * 1 "} {
		_, err := ParseSchedule(spec)
		require.NoError(t, err, spec)
	}
	for _, spec := range []string{"", "* * *", "@sometimes", "0 0 3 * * 1"} {
		_, err := ParseSchedule(spec)
		require.Error(t, err, spec)
	}
}

func TestScheduledSave(t *testing.T) {
	saver := &countingSaver{}
	m, err := NewManager(saver, "users.conf", "@every 1s")
	require.NoError(t, err)
	m.Start()
	require.Eventually(t, func() bool { return saver.calls.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)
	require.NoError(t, m.Stop())
	require.GreaterOrEqual(t, m.Statistics()["saves"], int64(2))
}

func TestFlushFailure(t *testing.T) {
	saver := &countingSaver{err: errors.New("disk full")}
	m, err := NewManager(saver, "users.conf", "@daily")
	require.NoError(t, err)
	require.ErrorContains(t, m.Flush(), "disk full")
	require.Equal(t, int64(1), m.Statistics()["failures"])
}

func TestStopWritesUserStore(t *testing.T) {
	store := usmuser.NewStore()
	_, err := store.CreateFromSession(v3.StdCrypto{}, usmuser.SessionParams{
		SecName: "alice", EngineID: []byte{0x80, 0, 0, 0, 1, 2, 3, 4},
		AuthProtocol: v3.AuthSHA1, AuthPassphrase: "authpassword123",
	})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "users.conf")
	m, err := NewManager(store, path, "@daily")
	require.NoError(t, err)
	m.Start()
	require.NoError(t, m.Stop())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(raw), `"alice"`), string(raw))

	loaded := usmuser.NewStore()
	n, err := loaded.LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
