package message

import (
	"testing"

	"github.com/gosnmp/gosnmp"
	"github.com/stretchr/testify/require"

	"github.com/debashish-mukherjee/go-snmpusm/internal/ber"
	v3 "github.com/debashish-mukherjee/go-snmpusm/internal/v3"
)

func wrap(global []byte, rest ...[]byte) []byte {
	content := append([]byte(nil), global...)
	for _, r := range rest {
		content = append(content, r...)
	}
	return ber.Encode(ber.TagSequence, content)
}

func TestHeaderRoundTrip(t *testing.T) {
	h := NewHeader(77, 1500, v3.AuthPriv, true)
	require.Equal(t, gosnmp.AuthPriv|gosnmp.Reportable, h.Flags)

	secParams := ber.EncodeOctetString(ber.EncodeSequence())
	whole := wrap(h.Encode(), secParams, ber.EncodeSequence())

	p, err := Parse(whole)
	require.NoError(t, err)
	require.Equal(t, int32(77), p.MsgID)
	require.Equal(t, int32(1500), p.MaxSize)
	require.Equal(t, v3.AuthPriv, p.Level)
	require.True(t, p.Reportable())
	require.Equal(t, byte(ber.TagOctetString), whole[p.SecParamsOffset])
	require.Equal(t, 2+len(h.Encode()), p.SecParamsOffset)
}

func TestParseRejects(t *testing.T) {
	v2 := ber.EncodeSequence(ber.EncodeInteger(1), ber.EncodeOctetString([]byte("public")))
	_, err := Parse(v2)
	require.ErrorIs(t, err, ErrNotV3)

	badFlags := Header{MsgID: 1, MaxSize: 1500, Flags: 0x02, SecurityModel: gosnmp.UserSecurityModel}
	_, err = Parse(wrap(badFlags.Encode(), ber.EncodeOctetString(nil)))
	require.Error(t, err)

	small := NewHeader(1, 100, v3.NoAuthNoPriv, false)
	_, err = Parse(wrap(small.Encode(), ber.EncodeOctetString(nil)))
	require.ErrorContains(t, err, "msgMaxSize")

	_, err = Parse([]byte{0x02, 0x01, 0x03})
	require.Error(t, err)
}
