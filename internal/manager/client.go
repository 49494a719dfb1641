// Package manager is a non-authoritative SNMPv3 client: it discovers an agent's engine
// ID and clock, then issues authenticated requests through the USM engine.
package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gosnmp/gosnmp"

	"github.com/debashish-mukherjee/go-snmpusm/internal/message"
	"github.com/debashish-mukherjee/go-snmpusm/internal/pdu"
	"github.com/debashish-mukherjee/go-snmpusm/internal/usm"
	"github.com/debashish-mukherjee/go-snmpusm/internal/usmuser"
	v3 "github.com/debashish-mukherjee/go-snmpusm/internal/v3"
)

// DefaultMaxSize is the msgMaxSize the client advertises.
const DefaultMaxSize = 65507

var (
	ErrNotDiscovered = errors.New("agent engine ID not discovered")
	ErrMismatch      = errors.New("reply does not match request")
)

// ReportError is a Report PDU received instead of a response.
type ReportError struct {
	Varbind gosnmp.SnmpPDU
	kind    error
}

func (e *ReportError) Error() string {
	return fmt.Sprintf("agent report %s = %v", e.Varbind.Name, e.Varbind.Value)
}

// Unwrap yields the usm error kind the report announces, if it names a usmStats counter.
func (e *ReportError) Unwrap() error { return e.kind }

// Client talks to one agent. Requests are serialized.
type Client struct {
	usm     *usm.Context
	conn    Conn
	maxSize int32

	mu       sync.Mutex
	msgID    int32
	reqID    int32
	engineID []byte
}

// New creates a client using ctx for security processing. The context's user table
// receives the localized users added with AddUser.
func New(ctx *usm.Context, conn Conn) *Client {
	return &Client{usm: ctx, conn: conn, maxSize: DefaultMaxSize}
}

// EngineID returns the discovered authoritative engine ID, or nil.
func (c *Client) EngineID() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.engineID...)
}

// Discover learns the agent's engine ID, boots and time from the report an
// unauthenticated empty-user probe provokes.
func (c *Client) Discover(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.discover(ctx); err != nil {
		return nil, err
	}
	return append([]byte(nil), c.engineID...), nil
}

func (c *Client) discover(ctx context.Context) error {
	msgID, reqID := c.nextIDs()
	scoped, err := (&pdu.ScopedPDU{PDU: pdu.PDU{Type: gosnmp.GetRequest, RequestID: reqID}}).Encode()
	if err != nil {
		return err
	}
	wire, err := c.usm.GenerateOutgoingMessage(&usm.OutgoingMessage{
		GlobalData: message.NewHeader(msgID, c.maxSize, v3.NoAuthNoPriv, true).Encode(),
		SecLevel:   v3.NoAuthNoPriv,
		ScopedPDU:  scoped,
	})
	if err != nil {
		return fmt.Errorf("discovery probe: %w", err)
	}
	reply, err := c.conn.Exchange(ctx, wire)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	res, resp, err := c.receive(reply, msgID, nil)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	if resp.PDU.Type != gosnmp.Report {
		return fmt.Errorf("discovery: %w: PDU type %#x", ErrMismatch, byte(resp.PDU.Type))
	}
	if err := v3.ValidateEngineID(res.EngineID); err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	// The report is unauthenticated; an authenticated record is never downgraded.
	if err := c.usm.Engines.Set(res.EngineID, res.Boots, res.Time, false); err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	c.engineID = res.EngineID
	return nil
}

// AddUser localizes p's credentials to the discovered engine ID and adds the user.
func (c *Client) AddUser(p usmuser.SessionParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.engineID) == 0 {
		return ErrNotDiscovered
	}
	p.EngineID = c.engineID
	if _, err := c.usm.Users.CreateFromSession(c.usm.Crypto, p); err != nil {
		return fmt.Errorf("add user %q: %w", p.SecName, err)
	}
	return nil
}

// Get fetches oids as user at level.
func (c *Client) Get(ctx context.Context, user string, level v3.SecurityLevel, oids ...string) (*pdu.PDU, error) {
	return c.request(ctx, gosnmp.GetRequest, user, level, oids)
}

// GetNext fetches the successors of oids.
func (c *Client) GetNext(ctx context.Context, user string, level v3.SecurityLevel, oids ...string) (*pdu.PDU, error) {
	return c.request(ctx, gosnmp.GetNextRequest, user, level, oids)
}

// Walk calls fn for each object under root, in order.
func (c *Client) Walk(ctx context.Context, user string, level v3.SecurityLevel, root string, fn func(gosnmp.SnmpPDU) error) error {
	prefix := pdu.NormalizeOID(root) + "."
	oid := root
	for {
		resp, err := c.GetNext(ctx, user, level, oid)
		if err != nil {
			return err
		}
		if resp.ErrorStatus != gosnmp.NoError {
			return fmt.Errorf("walk %s: error status %d", oid, resp.ErrorStatus)
		}
		if len(resp.Variables) != 1 {
			return fmt.Errorf("walk %s: %w: %d varbinds", oid, ErrMismatch, len(resp.Variables))
		}
		vb := resp.Variables[0]
		if vb.Type == gosnmp.EndOfMibView || !strings.HasPrefix(pdu.NormalizeOID(vb.Name), prefix) {
			return nil
		}
		if err := fn(vb); err != nil {
			return err
		}
		oid = vb.Name
	}
}

func (c *Client) request(ctx context.Context, typ gosnmp.PDUType, user string, level v3.SecurityLevel, oids []string) (*pdu.PDU, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.engineID) == 0 {
		if err := c.discover(ctx); err != nil {
			return nil, err
		}
	}

	vars := make([]gosnmp.SnmpPDU, len(oids))
	for i, oid := range oids {
		vars[i] = gosnmp.SnmpPDU{Name: oid, Type: gosnmp.Null}
	}

	// Responses are verified with the credentials the request went out with.
	snap, err := c.usm.Snapshot(c.engineID, user, level)
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	// One retry covers a time window report, which resynchronizes the engine clock.
	for attempt := 0; ; attempt++ {
		msgID, reqID := c.nextIDs()
		scoped, err := (&pdu.ScopedPDU{
			ContextEngineID: c.engineID,
			PDU:             pdu.PDU{Type: typ, RequestID: reqID, Variables: vars},
		}).Encode()
		if err != nil {
			return nil, err
		}
		wire, err := c.usm.GenerateOutgoingMessage(&usm.OutgoingMessage{
			GlobalData: message.NewHeader(msgID, c.maxSize, level, true).Encode(),
			EngineID:   c.engineID,
			SecName:    user,
			SecLevel:   level,
			ScopedPDU:  scoped,
			State:      snap.Clone(),
		})
		if err != nil {
			return nil, err
		}
		reply, err := c.conn.Exchange(ctx, wire)
		if err != nil {
			return nil, err
		}
		res, resp, err := c.receive(reply, msgID, snap)
		if err != nil {
			return nil, err
		}

		if resp.PDU.Type == gosnmp.Report {
			rerr := reportError(&resp.PDU)
			if res.SecLevel == v3.NoAuthNoPriv {
				_ = c.usm.Engines.Set(res.EngineID, res.Boots, res.Time, false)
			}
			if attempt == 0 && errors.Is(rerr, usm.ErrNotInTimeWindow) {
				continue
			}
			return nil, rerr
		}
		if resp.PDU.Type != gosnmp.GetResponse || resp.PDU.RequestID != reqID {
			return nil, fmt.Errorf("%w: PDU type %#x request ID %d", ErrMismatch, byte(resp.PDU.Type), resp.PDU.RequestID)
		}
		if res.SecLevel != level {
			return nil, fmt.Errorf("%w: response level %s", ErrMismatch, res.SecLevel)
		}
		return &resp.PDU, nil
	}
}

// receive runs a reply through the USM engine and decodes its ScopedPDU. state is the
// request's snapshot, or nil for discovery.
func (c *Client) receive(reply []byte, msgID int32, state *usm.StateReference) (*usm.IncomingResult, *pdu.ScopedPDU, error) {
	parsed, err := message.Parse(reply)
	if err != nil {
		return nil, nil, err
	}
	if parsed.MsgID != msgID {
		return nil, nil, fmt.Errorf("%w: msgID %d, sent %d", ErrMismatch, parsed.MsgID, msgID)
	}
	res, err := c.usm.ProcessIncomingMessage(&usm.IncomingMessage{
		WholeMsg:        reply,
		SecParamsOffset: parsed.SecParamsOffset,
		MaxMsgSize:      int(parsed.MaxSize),
		SecLevel:        parsed.Level,
		Reportable:      parsed.Reportable(),
		State:           state,
	})
	if res != nil {
		res.State.Release()
	}
	if err != nil {
		return nil, nil, err
	}
	scoped, err := pdu.DecodeScoped(res.ScopedPDU)
	if err != nil {
		return nil, nil, err
	}
	return res, scoped, nil
}

func (c *Client) nextIDs() (int32, int32) {
	c.msgID++
	c.reqID++
	if c.msgID <= 0 {
		c.msgID = 1
	}
	if c.reqID <= 0 {
		c.reqID = 1
	}
	return c.msgID, c.reqID
}

func reportError(p *pdu.PDU) error {
	if len(p.Variables) == 0 {
		return &ReportError{}
	}
	vb := p.Variables[0]
	kind, _ := usm.ErrorForStatOID(vb.Name)
	return &ReportError{Varbind: vb, kind: kind}
}
