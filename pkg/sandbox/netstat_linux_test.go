//go:build linux

package sandbox

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const snmpSample = `Ip: Forwarding DefaultTTL InReceives OutNoRoutes
Ip: 2 64 10 3
Tcp: RtoAlgorithm ActiveOpens AttemptFails
Tcp: 1 4 2
Udp: InDatagrams NoPorts InErrors
Udp: 0 5 0
`

const snmp6Sample = `Ip6InReceives                   	12
Ip6OutNoRoutes                  	1
Udp6NoPorts                     	0
`

func TestParseSNMP(t *testing.T) {
	got := map[string]int64{}
	parseSNMP(snmpSample, got)
	parseSNMP(snmp6Sample, got)

	assert.Equal(t, int64(3), got["IpOutNoRoutes"])
	assert.Equal(t, int64(2), got["TcpAttemptFails"])
	assert.Equal(t, int64(4), got["TcpActiveOpens"])
	assert.Equal(t, int64(5), got["UdpNoPorts"])
	assert.Equal(t, int64(1), got["Ip6OutNoRoutes"])
	assert.Equal(t, int64(0), got["Udp6NoPorts"])
}

func TestParseSNMP_MismatchedRows(t *testing.T) {
	got := map[string]int64{}
	parseSNMP("Tcp: ActiveOpens AttemptFails\nUdp: 1 2\n", got)
	assert.Empty(t, got)
}

func TestDescribeAttempts(t *testing.T) {
	base := map[string]int64{"IpOutNoRoutes": 3, "TcpAttemptFails": 2, "UdpNoPorts": 5}

	assert.Empty(t, describeAttempts(base, base))

	now := map[string]int64{"IpOutNoRoutes": 4, "TcpAttemptFails": 2, "UdpNoPorts": 7, "TcpActiveOpens": 9}
	got := describeAttempts(base, now)
	assert.Contains(t, got, "IpOutNoRoutes +1")
	assert.Contains(t, got, "UdpNoPorts +2")
	assert.NotContains(t, got, "TcpAttemptFails")
	assert.NotContains(t, got, "TcpActiveOpens")
}

func TestOpenNetCounters_Self(t *testing.T) {
	if _, err := os.Stat("/proc/self/net/snmp"); err != nil {
		t.Skip("procfs network counters not available")
	}
	n, err := openNetCounters(os.Getpid())
	require.NoError(t, err)
	defer n.Close()

	assert.Contains(t, n.base, "IpOutNoRoutes")
	_, err = n.Attempts()
	assert.NoError(t, err)
}
