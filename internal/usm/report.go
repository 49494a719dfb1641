package usm

import "github.com/gosnmp/gosnmp"

// ReportVarbind returns the usmStats varbind that goes into the Report PDU for err,
// carrying the counter's current value.
func (c *Context) ReportVarbind(err error) (gosnmp.SnmpPDU, bool) {
	k, ok := statForError(err)
	if !ok {
		return gosnmp.SnmpPDU{}, false
	}
	return c.StatVarbind(k), true
}

// StatVarbind renders one usmStats scalar.
func (c *Context) StatVarbind(k StatKind) gosnmp.SnmpPDU {
	return gosnmp.SnmpPDU{
		Name:  "." + k.OID(),
		Type:  gosnmp.Counter32,
		Value: uint32(c.Stats.Value(k)),
	}
}
