package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/stretchr/testify/require"

	"github.com/debashish-mukherjee/go-snmpusm/internal/agent"
	"github.com/debashish-mukherjee/go-snmpusm/internal/usm"
	"github.com/debashish-mukherjee/go-snmpusm/internal/usmuser"
	v3 "github.com/debashish-mukherjee/go-snmpusm/internal/v3"
)

var agentID = []byte{0x80, 0x00, 0x1f, 0x88, 0x05, 0x61, 0x67, 0x65, 0x6e, 0x74}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

var alice = usmuser.SessionParams{
	SecName:        "alice",
	AuthProtocol:   v3.AuthSHA1,
	AuthPassphrase: "authpassword123",
	PrivProtocol:   v3.PrivAES128,
	PrivPassphrase: "privpassword123",
}

type fixture struct {
	agentClock   *clock
	managerClock *clock
	agentUSM     *usm.Context
	agent        *agent.Agent
	client       *Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		agentClock:   &clock{t: time.Unix(1700000000, 0)},
		managerClock: &clock{t: time.Unix(1700000000, 0)},
	}
	f.agentUSM = usm.New(usm.Config{Local: usm.NewLocalEngine(agentID, 7, f.agentClock.now), Now: f.agentClock.now})
	for _, name := range []string{"alice", "bob"} {
		p := alice
		p.SecName = name
		p.EngineID = agentID
		_, err := f.agentUSM.Users.CreateFromSession(v3.StdCrypto{}, p)
		require.NoError(t, err)
	}
	a, err := agent.NewAgent(f.agentUSM, 0)
	require.NoError(t, err)
	f.agent = a

	mgr := usm.New(usm.Config{Now: f.managerClock.now})
	f.client = New(mgr, HandlerConn(a.HandlePacket))
	return f
}

func TestDiscover(t *testing.T) {
	f := newFixture(t)
	f.agentClock.t = f.agentClock.t.Add(42 * time.Second)

	id, err := f.client.Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, agentID, id)
	require.Equal(t, agentID, f.client.EngineID())

	boots, engineTime, err := f.client.usm.Engines.Get(agentID, false)
	require.NoError(t, err)
	require.Equal(t, uint32(7), boots)
	require.Equal(t, uint32(42), engineTime)
	require.False(t, f.client.usm.Engines.Authenticated(agentID))
	require.Equal(t, uint64(1), f.agentUSM.Stats.Value(usm.StatUnknownEngineIDs))
}

func TestGetEngineScalars(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.client.Discover(ctx)
	require.NoError(t, err)
	require.NoError(t, f.client.AddUser(alice))

	for _, level := range []v3.SecurityLevel{v3.AuthNoPriv, v3.AuthPriv} {
		t.Run(level.String(), func(t *testing.T) {
			resp, err := f.client.Get(ctx, "alice", level,
				".1.3.6.1.6.3.10.2.1.1.0", ".1.3.6.1.6.3.10.2.1.2.0", ".1.3.6.1.2.1.1.1.0")
			require.NoError(t, err)
			require.Equal(t, gosnmp.NoError, resp.ErrorStatus)
			require.Len(t, resp.Variables, 3)
			require.Equal(t, agentID, resp.Variables[0].Value)
			require.Equal(t, 7, resp.Variables[1].Value)
			require.Equal(t, gosnmp.NoSuchObject, resp.Variables[2].Type)
		})
	}
	require.True(t, f.client.usm.Engines.Authenticated(agentID))
}

func TestGetDiscoversImplicitly(t *testing.T) {
	f := newFixture(t)
	_, err := f.client.Get(context.Background(), "", v3.NoAuthNoPriv, ".1.3.6.1.6.3.10.2.1.1.0")
	require.NoError(t, err)
	require.Equal(t, agentID, f.client.EngineID())
}

func TestTimeWindowReportResynchronizes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.client.Discover(ctx)
	require.NoError(t, err)
	require.NoError(t, f.client.AddUser(alice))
	_, err = f.client.Get(ctx, "alice", v3.AuthNoPriv, ".1.3.6.1.6.3.10.2.1.3.0")
	require.NoError(t, err)

	// The agent's clock runs ahead of what the manager projects.
	f.agentClock.t = f.agentClock.t.Add(1000 * time.Second)

	resp, err := f.client.Get(ctx, "alice", v3.AuthNoPriv, ".1.3.6.1.6.3.10.2.1.3.0")
	require.NoError(t, err)
	require.Equal(t, 1000, resp.Variables[0].Value)
	require.Equal(t, uint64(1), f.agentUSM.Stats.Value(usm.StatNotInTimeWindows))

	_, engineTime, err := f.client.usm.Engines.Get(agentID, true)
	require.NoError(t, err)
	require.Equal(t, uint32(1000), engineTime)
}

func TestResponseVerifiedWithRequestCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.client.Discover(ctx)
	require.NoError(t, err)
	require.NoError(t, f.client.AddUser(alice))

	rotated := alice
	rotated.EngineID = agentID
	rotated.AuthPassphrase = "rotated-password"
	rotate := true
	f.client.conn = HandlerConn(func(req []byte) []byte {
		reply := f.agent.HandlePacket(req)
		if rotate {
			// alice's credentials change while the response is in flight.
			rotate = false
			u, err := usmuser.NewUser(v3.StdCrypto{}, rotated)
			require.NoError(t, err)
			old, err := f.client.usm.Users.Insert(u)
			require.NoError(t, err)
			old.Scrub()
		}
		return reply
	})

	resp, err := f.client.Get(ctx, "alice", v3.AuthPriv, ".1.3.6.1.6.3.10.2.1.1.0")
	require.NoError(t, err)
	require.Equal(t, agentID, resp.Variables[0].Value)

	// Later requests go out with the new credentials, which the agent rejects.
	_, err = f.client.Get(ctx, "alice", v3.AuthNoPriv, ".1.3.6.1.6.3.10.2.1.1.0")
	require.ErrorIs(t, err, usm.ErrAuthenticationFailure)
	require.Equal(t, uint64(1), f.agentUSM.Stats.Value(usm.StatWrongDigests))
}

func TestReports(t *testing.T) {
	tests := []struct {
		name string
		user usmuser.SessionParams
		kind error
		stat usm.StatKind
	}{
		{
			name: "wrong passphrase",
			user: usmuser.SessionParams{SecName: "bob", AuthProtocol: v3.AuthSHA1, AuthPassphrase: "not-the-password"},
			kind: usm.ErrAuthenticationFailure,
			stat: usm.StatWrongDigests,
		},
		{
			name: "unknown user",
			user: usmuser.SessionParams{SecName: "mallory", AuthProtocol: v3.AuthSHA1, AuthPassphrase: "authpassword123"},
			kind: usm.ErrUnknownSecurityName,
			stat: usm.StatUnknownUserNames,
		},
		{
			name: "wrong protocol",
			user: usmuser.SessionParams{SecName: "bob", AuthProtocol: v3.AuthMD5, AuthPassphrase: "authpassword123"},
			kind: usm.ErrAuthenticationFailure,
			stat: usm.StatWrongDigests,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			_, err := f.client.Discover(ctx)
			require.NoError(t, err)
			require.NoError(t, f.client.AddUser(tc.user))

			_, err = f.client.Get(ctx, tc.user.SecName, v3.AuthNoPriv, ".1.3.6.1.6.3.10.2.1.1.0")
			var report *ReportError
			require.True(t, errors.As(err, &report), "got %v", err)
			require.ErrorIs(t, err, tc.kind)
			require.Equal(t, "."+tc.stat.OID(), report.Varbind.Name)
			require.Equal(t, uint32(1), report.Varbind.Value)
			require.Equal(t, uint64(1), f.agentUSM.Stats.Value(tc.stat))
		})
	}
}

func TestWalkUserTable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.client.Discover(ctx)
	require.NoError(t, err)
	require.NoError(t, f.client.AddUser(alice))

	var names []string
	err = f.client.Walk(ctx, "alice", v3.AuthPriv, "1.3.6.1.6.3.15.1.2.2.1.13", func(vb gosnmp.SnmpPDU) error {
		require.Equal(t, int(usmuser.StatusActive), vb.Value)
		names = append(names, vb.Name)
		return nil
	})
	require.NoError(t, err)
	// Index: engine ID length and octets, then name length and octets.
	require.Equal(t, []string{
		".1.3.6.1.6.3.15.1.2.2.1.13.10.128.0.31.136.5.97.103.101.110.116.3.98.111.98",
		".1.3.6.1.6.3.15.1.2.2.1.13.10.128.0.31.136.5.97.103.101.110.116.5.97.108.105.99.101",
	}, names)
}

func TestNoReply(t *testing.T) {
	c := New(usm.New(usm.Config{}), HandlerConn(func([]byte) []byte { return nil }))
	_, err := c.Discover(context.Background())
	require.ErrorIs(t, err, ErrNoReply)
	require.ErrorIs(t, c.AddUser(alice), ErrNotDiscovered)
}
