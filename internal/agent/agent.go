// Package agent is an authoritative SNMPv3 responder built on the USM engine. It answers
// engine ID discovery, reports USM failures and serves the snmpEngine, usmStats and
// usmUserStatus objects.
package agent

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/debashish-mukherjee/go-snmpusm/internal/message"
	"github.com/debashish-mukherjee/go-snmpusm/internal/pdu"
	"github.com/debashish-mukherjee/go-snmpusm/internal/usm"
	v3 "github.com/debashish-mukherjee/go-snmpusm/internal/v3"
)

// DefaultMaxMessageSize is advertised in msgMaxSize and snmpEngineMaxMessageSize.
const DefaultMaxMessageSize = 65507

// Agent handles SNMPv3 packets for one local engine.
type Agent struct {
	usm            *usm.Context
	maxMessageSize int

	startTime time.Time
	lastPoll  time.Time
	pollCount atomic.Int64
	reports   atomic.Int64
	dropped   atomic.Int64

	mu sync.RWMutex
}

// NewAgent creates an agent. The context must have a local engine.
func NewAgent(ctx *usm.Context, maxMessageSize int) (*Agent, error) {
	if ctx == nil || ctx.Local == nil || len(ctx.Local.ID) == 0 {
		return nil, errors.New("agent needs a USM context with a local engine ID")
	}
	if maxMessageSize < message.MinMaxSize {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &Agent{
		usm:            ctx,
		maxMessageSize: maxMessageSize,
		startTime:      time.Now(),
		lastPoll:       time.Now(),
	}, nil
}

// HandlePacket processes one datagram and returns the reply, or nil to send nothing.
func (a *Agent) HandlePacket(packet []byte) []byte {
	count := a.pollCount.Add(1)
	a.mu.Lock()
	a.lastPoll = time.Now()
	a.mu.Unlock()

	parsed, err := message.Parse(packet)
	if err != nil {
		a.drop(count, "unparseable message", err)
		return nil
	}

	res, err := a.usm.ProcessIncomingMessage(&usm.IncomingMessage{
		WholeMsg:        packet,
		SecParamsOffset: parsed.SecParamsOffset,
		MaxMsgSize:      int(parsed.MaxSize),
		SecLevel:        parsed.Level,
		Authoritative:   true,
		Reportable:      parsed.Reportable(),
	})
	if err != nil {
		if res != nil {
			defer res.State.Release()
		}
		if usm.Reportable(err) && parsed.Reportable() {
			return a.report(parsed, res, err)
		}
		a.drop(count, "usm", err)
		return nil
	}
	defer res.State.Release()

	scoped, err := pdu.DecodeScoped(res.ScopedPDU)
	if err != nil {
		a.drop(count, "bad scoped PDU", err)
		return nil
	}

	// Discovery: anything not addressed to our engine ID learns it from a report.
	if !a.usm.Local.IsLocal(res.EngineID) {
		a.usm.Stats.Inc(usm.StatUnknownEngineIDs)
		if !parsed.Reportable() {
			a.drop(count, "foreign engine ID", nil)
			return nil
		}
		return a.sendReport(parsed, scoped.PDU.RequestID, res.SecName, v3.NoAuthNoPriv, nil, a.usm.StatVarbind(usm.StatUnknownEngineIDs))
	}

	resp, ok := a.respond(scoped)
	if !ok {
		a.drop(count, fmt.Sprintf("unsupported PDU type %#x", byte(scoped.PDU.Type)), nil)
		return nil
	}
	encoded, err := resp.Encode()
	if err != nil {
		log.Printf("agent: encode response: %v", err)
		return nil
	}
	if len(encoded) > res.MaxSizeResponse {
		resp.PDU.Variables = nil
		resp.PDU.ErrorStatus = gosnmp.TooBig
		resp.PDU.ErrorIndex = 0
		if encoded, err = resp.Encode(); err != nil {
			return nil
		}
	}

	out, err := a.usm.GenerateOutgoingMessage(&usm.OutgoingMessage{
		GlobalData: message.NewHeader(parsed.MsgID, int32(a.maxMessageSize), res.SecLevel, false).Encode(),
		SecLevel:   res.SecLevel,
		ScopedPDU:  encoded,
		State:      res.State.Clone(),
	})
	if err != nil {
		log.Printf("agent: secure response to %q: %v", res.SecName, err)
		return nil
	}
	return out
}

// respond builds the response ScopedPDU for a confirmed request.
func (a *Agent) respond(req *pdu.ScopedPDU) (*pdu.ScopedPDU, bool) {
	resp := &pdu.ScopedPDU{
		ContextEngineID: req.ContextEngineID,
		ContextName:     req.ContextName,
		PDU: pdu.PDU{
			Type:      gosnmp.GetResponse,
			RequestID: req.PDU.RequestID,
			Variables: make([]gosnmp.SnmpPDU, 0, len(req.PDU.Variables)),
		},
	}
	switch req.PDU.Type {
	case gosnmp.GetRequest:
		for _, v := range req.PDU.Variables {
			resp.PDU.Variables = append(resp.PDU.Variables, a.get(v.Name))
		}
	case gosnmp.GetNextRequest:
		for _, v := range req.PDU.Variables {
			resp.PDU.Variables = append(resp.PDU.Variables, a.getNext(v.Name))
		}
	case gosnmp.SetRequest:
		resp.PDU.Variables = append(resp.PDU.Variables, req.PDU.Variables...)
		if len(req.PDU.Variables) > 0 {
			resp.PDU.ErrorStatus = gosnmp.NotWritable
			resp.PDU.ErrorIndex = 1
		}
	default:
		return nil, false
	}
	return resp, true
}

// report answers a reportable USM failure with the matching usmStats varbind.
func (a *Agent) report(parsed *message.Parsed, res *usm.IncomingResult, cause error) []byte {
	vb, ok := a.usm.ReportVarbind(cause)
	if !ok {
		return nil
	}
	// Only a resolved user is named back; the peer may hold no keys for anything else.
	var name string
	if res != nil && res.State != nil {
		name = res.State.Name
	}
	// A time window report is authenticated so the manager can trust our clock.
	level := v3.NoAuthNoPriv
	var state *usm.StateReference
	if errors.Is(cause, usm.ErrNotInTimeWindow) && res != nil && res.State != nil {
		level = v3.AuthNoPriv
		state = res.State.Clone()
		state.EngineID = append([]byte(nil), a.usm.Local.ID...)
	}
	return a.sendReport(parsed, 0, name, level, state, vb)
}

func (a *Agent) sendReport(parsed *message.Parsed, requestID int32, secName string, level v3.SecurityLevel,
	state *usm.StateReference, vb gosnmp.SnmpPDU) []byte {
	scoped := &pdu.ScopedPDU{
		ContextEngineID: a.usm.Local.ID,
		PDU: pdu.PDU{
			Type:      gosnmp.Report,
			RequestID: requestID,
			Variables: []gosnmp.SnmpPDU{vb},
		},
	}
	encoded, err := scoped.Encode()
	if err != nil {
		log.Printf("agent: encode report: %v", err)
		return nil
	}
	if state == nil {
		// Reports go out anonymously unless the user is known at the requested level.
		state = &usm.StateReference{Name: secName, EngineID: a.usm.Local.ID, SecLevel: level}
	}
	out, err := a.usm.GenerateOutgoingMessage(&usm.OutgoingMessage{
		GlobalData: message.NewHeader(parsed.MsgID, int32(a.maxMessageSize), level, false).Encode(),
		SecLevel:   level,
		ScopedPDU:  encoded,
		State:      state,
	})
	if err != nil {
		log.Printf("agent: secure report: %v", err)
		return nil
	}
	a.reports.Add(1)
	return out
}

func (a *Agent) drop(count int64, reason string, err error) {
	// Log the first drop and every thousandth after it.
	if n := a.dropped.Add(1); n%1000 == 1 {
		log.Printf("agent: dropped packet #%d (%s): %v", count, reason, err)
	}
}

// GetStatistics returns agent statistics
func (a *Agent) GetStatistics() map[string]interface{} {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return map[string]interface{}{
		"engine_id":  a.usm.Local.ID,
		"boots":      a.usm.Local.Boots,
		"uptime":     uint32(time.Since(a.startTime).Seconds()),
		"poll_count": a.pollCount.Load(),
		"reports":    a.reports.Load(),
		"dropped":    a.dropped.Load(),
		"last_poll":  a.lastPoll.Format(time.RFC3339),
		"usm_stats":  a.usm.Stats.Snapshot(),
	}
}
