package capture

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPacket(t *testing.T) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 8, 0, 2).To4(),
		DstIP:    net.IPv4(10, 1, 1, 1).To4(),
	}
	udp := &layers.UDP{SrcPort: 5353, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf,
		gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		ip, udp, gopacket.Payload("query")))
	return buf.Bytes()
}

func TestWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)

	pkt := testPacket(t)
	require.NoError(t, w.WritePacket(pkt))
	require.NoError(t, w.WritePacket(pkt))
	require.NoError(t, w.WritePacket(nil))

	r, err := pcapgo.NewReader(&buf)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeRaw, r.LinkType())

	for i := 0; i < 2; i++ {
		data, ci, err := r.ReadPacketData()
		require.NoError(t, err)
		assert.Equal(t, pkt, data)
		assert.Equal(t, len(pkt), ci.Length)

		decoded := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.Default)
		ip, ok := decoded.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		require.True(t, ok)
		assert.Equal(t, "10.1.1.1", ip.DstIP.String())
	}
	_, _, err = r.ReadPacketData()
	assert.Error(t, err)
}

func TestCreateAndClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.pcap")
	w, err := Create(path)
	require.NoError(t, err)

	require.NoError(t, w.WritePacket(testPacket(t)))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.NoError(t, w.WritePacket(testPacket(t)), "writes after close are discarded")

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	_, _, err = r.ReadPacketData()
	assert.NoError(t, err)
}

func TestNilWriterDiscards(t *testing.T) {
	var w *Writer
	assert.NoError(t, w.WritePacket([]byte{0x45}))
	assert.NoError(t, w.Close())
}
