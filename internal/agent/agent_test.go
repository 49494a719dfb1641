package agent

import (
	"sync"
	"testing"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/stretchr/testify/require"

	"github.com/debashish-mukherjee/go-snmpusm/internal/message"
	"github.com/debashish-mukherjee/go-snmpusm/internal/pdu"
	"github.com/debashish-mukherjee/go-snmpusm/internal/usm"
	"github.com/debashish-mukherjee/go-snmpusm/internal/usmuser"
	v3 "github.com/debashish-mukherjee/go-snmpusm/internal/v3"
)

var localID = []byte{0x80, 0x00, 0x1f, 0x88, 0x04, 't', 'e', 's', 't'}

type peer struct {
	agent   *Agent
	local   *usm.Context
	manager *usm.Context
	now     time.Time
	// maxSize is the msgMaxSize requests advertise.
	maxSize int32
}

func newPeer(t *testing.T) *peer {
	t.Helper()
	p := &peer{now: time.Unix(1700000000, 0), maxSize: 1400}
	clock := func() time.Time { return p.now }
	p.local = usm.New(usm.Config{Local: usm.NewLocalEngine(localID, 3, clock), Now: clock})
	p.manager = usm.New(usm.Config{Now: clock})

	sp := usmuser.SessionParams{
		SecName: "ops", EngineID: localID,
		AuthProtocol: v3.AuthSHA256, AuthPassphrase: "opsauthpass",
		PrivProtocol: v3.PrivDES, PrivPassphrase: "opsprivpass",
	}
	for _, ctx := range []*usm.Context{p.local, p.manager} {
		_, err := ctx.Users.CreateFromSession(v3.StdCrypto{}, sp)
		require.NoError(t, err)
	}
	require.NoError(t, p.manager.Engines.Set(localID, 3, 0, true))

	a, err := NewAgent(p.local, 1400)
	require.NoError(t, err)
	p.agent = a
	return p
}

// send secures one request from the manager side and returns the decoded reply.
func (p *peer) send(t *testing.T, engineID []byte, name string, level v3.SecurityLevel, typ gosnmp.PDUType, oids ...string) (*usm.IncomingResult, *pdu.ScopedPDU) {
	t.Helper()
	vars := make([]gosnmp.SnmpPDU, len(oids))
	for i, oid := range oids {
		vars[i] = gosnmp.SnmpPDU{Name: oid, Type: gosnmp.Null}
	}
	scoped, err := (&pdu.ScopedPDU{
		ContextEngineID: engineID,
		PDU:             pdu.PDU{Type: typ, RequestID: 4242, Variables: vars},
	}).Encode()
	require.NoError(t, err)
	wire, err := p.manager.GenerateOutgoingMessage(&usm.OutgoingMessage{
		GlobalData: message.NewHeader(77, p.maxSize, level, true).Encode(),
		EngineID:   engineID,
		SecName:    name,
		SecLevel:   level,
		ScopedPDU:  scoped,
	})
	require.NoError(t, err)

	reply := p.agent.HandlePacket(wire)
	require.NotNil(t, reply, "agent sent no reply")
	parsed, err := message.Parse(reply)
	require.NoError(t, err)
	require.Equal(t, int32(77), parsed.MsgID)
	require.False(t, parsed.Reportable())

	res, err := p.manager.ProcessIncomingMessage(&usm.IncomingMessage{
		WholeMsg:        reply,
		SecParamsOffset: parsed.SecParamsOffset,
		MaxMsgSize:      int(parsed.MaxSize),
		SecLevel:        parsed.Level,
	})
	require.NoError(t, err)
	res.State.Release()
	out, err := pdu.DecodeScoped(res.ScopedPDU)
	require.NoError(t, err)
	return res, out
}

func TestDiscoveryReport(t *testing.T) {
	p := newPeer(t)
	p.now = p.now.Add(90 * time.Second)

	res, resp := p.send(t, nil, "", v3.NoAuthNoPriv, gosnmp.GetRequest)
	require.Equal(t, gosnmp.Report, resp.PDU.Type)
	require.Equal(t, int32(4242), resp.PDU.RequestID)
	require.Equal(t, localID, res.EngineID)
	require.Equal(t, uint32(3), res.Boots)
	require.Equal(t, uint32(90), res.Time)
	require.Equal(t, v3.NoAuthNoPriv, res.SecLevel)
	require.Equal(t, []gosnmp.SnmpPDU{{Name: ".1.3.6.1.6.3.15.1.1.4.0", Type: gosnmp.Counter32, Value: uint32(1)}}, resp.PDU.Variables)
	require.Equal(t, localID, resp.ContextEngineID)
}

func TestAuthenticatedGet(t *testing.T) {
	p := newPeer(t)
	p.now = p.now.Add(5 * time.Second)

	for _, level := range []v3.SecurityLevel{v3.AuthNoPriv, v3.AuthPriv} {
		t.Run(level.String(), func(t *testing.T) {
			res, resp := p.send(t, localID, "ops", level, gosnmp.GetRequest,
				"1.3.6.1.6.3.10.2.1.1.0", "1.3.6.1.6.3.10.2.1.2.0", "1.3.6.1.6.3.10.2.1.3.0",
				"1.3.6.1.6.3.10.2.1.4.0", "1.3.6.1.6.3.15.1.1.5.0", "1.3.6.1.2.1.1.5.0")
			require.Equal(t, level, res.SecLevel)
			require.Equal(t, "ops", res.SecName)
			require.Equal(t, gosnmp.GetResponse, resp.PDU.Type)
			require.Equal(t, int32(4242), resp.PDU.RequestID)

			vars := resp.PDU.Variables
			require.Len(t, vars, 6)
			require.Equal(t, localID, vars[0].Value)
			require.Equal(t, 3, vars[1].Value)
			require.Equal(t, 5, vars[2].Value)
			require.Equal(t, 1400, vars[3].Value)
			require.Equal(t, gosnmp.Counter32, vars[4].Type)
			require.Equal(t, uint32(0), vars[4].Value)
			require.Equal(t, gosnmp.NoSuchObject, vars[5].Type)
			require.Equal(t, ".1.3.6.1.2.1.1.5.0", vars[5].Name)
		})
	}
}

func TestGetNextWalksScalarsThenUsers(t *testing.T) {
	p := newPeer(t)

	_, resp := p.send(t, localID, "ops", v3.AuthPriv, gosnmp.GetNextRequest, "1.3.6.1.6.3.10.2.1")
	require.Equal(t, ".1.3.6.1.6.3.10.2.1.1.0", resp.PDU.Variables[0].Name)

	_, resp = p.send(t, localID, "ops", v3.AuthPriv, gosnmp.GetNextRequest, "1.3.6.1.6.3.15.1.1.6.0")
	vb := resp.PDU.Variables[0]
	require.Equal(t, ".1.3.6.1.6.3.15.1.2.2.1.13.9.128.0.31.136.4.116.101.115.116.3.111.112.115", vb.Name)
	require.Equal(t, int(usmuser.StatusActive), vb.Value)

	_, resp = p.send(t, localID, "ops", v3.AuthPriv, gosnmp.GetNextRequest, vb.Name)
	require.Equal(t, gosnmp.EndOfMibView, resp.PDU.Variables[0].Type)
}

func TestGetUserStatusInstance(t *testing.T) {
	p := newPeer(t)
	_, resp := p.send(t, localID, "ops", v3.AuthNoPriv, gosnmp.GetRequest,
		"1.3.6.1.6.3.15.1.2.2.1.13.9.128.0.31.136.4.116.101.115.116.3.111.112.115",
		"1.3.6.1.6.3.15.1.2.2.1.13.9.128.0.31.136.4.116.101.115.116.3.111.112.116",
		"1.3.6.1.6.3.15.1.2.2.1.13.200")
	require.Equal(t, int(usmuser.StatusActive), resp.PDU.Variables[0].Value)
	require.Equal(t, gosnmp.NoSuchInstance, resp.PDU.Variables[1].Type)
	require.Equal(t, gosnmp.NoSuchInstance, resp.PDU.Variables[2].Type)
}

func TestSetIsNotWritable(t *testing.T) {
	p := newPeer(t)
	_, resp := p.send(t, localID, "ops", v3.AuthPriv, gosnmp.SetRequest, "1.3.6.1.6.3.10.2.1.2.0")
	require.Equal(t, gosnmp.NotWritable, resp.PDU.ErrorStatus)
	require.Equal(t, 1, resp.PDU.ErrorIndex)
}

func TestResponseTooBig(t *testing.T) {
	p := newPeer(t)
	oids := make([]string, 30)
	for i := range oids {
		oids[i] = "1.3.6.1.6.3.10.2.1.1.0"
	}
	_, resp := p.send(t, localID, "ops", v3.AuthNoPriv, gosnmp.GetRequest, oids...)
	require.Equal(t, gosnmp.NoError, resp.PDU.ErrorStatus)
	require.Len(t, resp.PDU.Variables, 30)

	// The same answer does not fit a manager that only accepts the minimum size.
	p.maxSize = message.MinMaxSize
	_, resp = p.send(t, localID, "ops", v3.AuthNoPriv, gosnmp.GetRequest, oids...)
	require.Equal(t, gosnmp.TooBig, resp.PDU.ErrorStatus)
	require.Empty(t, resp.PDU.Variables)
}

func TestWrongDigestReport(t *testing.T) {
	p := newPeer(t)
	scoped, err := (&pdu.ScopedPDU{ContextEngineID: localID, PDU: pdu.PDU{Type: gosnmp.GetRequest, RequestID: 5}}).Encode()
	require.NoError(t, err)
	wire, err := p.manager.GenerateOutgoingMessage(&usm.OutgoingMessage{
		GlobalData: message.NewHeader(12, 1400, v3.AuthNoPriv, true).Encode(),
		EngineID:   localID,
		SecName:    "ops",
		SecLevel:   v3.AuthNoPriv,
		ScopedPDU:  scoped,
	})
	require.NoError(t, err)
	wire[len(wire)-1] ^= 0x01

	reply := p.agent.HandlePacket(wire)
	require.NotNil(t, reply)
	parsed, err := message.Parse(reply)
	require.NoError(t, err)
	require.Equal(t, v3.NoAuthNoPriv, parsed.Level)
	require.Equal(t, uint64(1), p.local.Stats.Value(usm.StatWrongDigests))

	// Without the reportable flag the failure is silent.
	quiet, err := p.manager.GenerateOutgoingMessage(&usm.OutgoingMessage{
		GlobalData: message.NewHeader(13, 1400, v3.AuthNoPriv, false).Encode(),
		EngineID:   localID,
		SecName:    "ops",
		SecLevel:   v3.AuthNoPriv,
		ScopedPDU:  scoped,
	})
	require.NoError(t, err)
	quiet[len(quiet)-1] ^= 0x01
	require.Nil(t, p.agent.HandlePacket(quiet))
	require.Equal(t, uint64(2), p.local.Stats.Value(usm.StatWrongDigests))
}

func TestTimeWindowReportIsAuthenticated(t *testing.T) {
	p := newPeer(t)
	p.now = p.now.Add(time.Hour)
	// The manager still believes the agent is at time 0.
	require.NoError(t, p.manager.Engines.Set(localID, 3, 0, true))

	res, resp := p.send(t, localID, "ops", v3.AuthPriv, gosnmp.GetRequest, "1.3.6.1.6.3.10.2.1.3.0")
	require.Equal(t, gosnmp.Report, resp.PDU.Type)
	require.Equal(t, v3.AuthNoPriv, res.SecLevel)
	require.Equal(t, "ops", res.SecName)
	require.Equal(t, ".1.3.6.1.6.3.15.1.1.2.0", resp.PDU.Variables[0].Name)
	require.Equal(t, uint32(3600), res.Time)
}

func TestGarbageIsDropped(t *testing.T) {
	p := newPeer(t)
	for _, pkt := range [][]byte{
		nil,
		{0x00},
		{0x30, 0x03, 0x02, 0x01, 0x01},
	} {
		require.Nil(t, p.agent.HandlePacket(pkt))
	}
	stats := p.agent.GetStatistics()
	require.Equal(t, int64(3), stats["dropped"])
	require.Equal(t, int64(0), stats["reports"])
}

func TestHandlePacketUpdatesPollStatsConcurrently(t *testing.T) {
	p := newPeer(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				_ = p.agent.HandlePacket([]byte{0x00})
				_ = p.agent.GetStatistics()
			}
		}()
	}
	wg.Wait()

	stats := p.agent.GetStatistics()
	if count, ok := stats["poll_count"].(int64); !ok || count != 2000 {
		t.Fatalf("poll_count not updated: %v", stats["poll_count"])
	}
	if lastPoll, ok := stats["last_poll"].(string); !ok || lastPoll == "" {
		t.Fatalf("last_poll not populated: %v", stats["last_poll"])
	}
}

func TestNewAgentRequiresLocalEngine(t *testing.T) {
	if _, err := NewAgent(usm.New(usm.Config{}), 0); err == nil {
		t.Fatalf("expected error without a local engine")
	}
}
