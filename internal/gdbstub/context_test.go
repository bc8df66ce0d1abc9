package gdbstub

import (
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsIncompleteTables(t *testing.T) {
	target := newFakeTarget()

	ifc := target.table()
	ifc.ReadMem = nil
	_, err := New(&IOInterface{
		Peek:  func() int { return 0 },
		Read:  func([]byte) (int, Status) { return 0, StatusSuccess },
		Write: func([]byte) Status { return StatusSuccess },
		Poll:  func() Status { return StatusSuccess },
	}, ifc)
	assert.ErrorIs(t, err, ErrIncompleteInterface)

	_, err = New(&IOInterface{}, target.table())
	assert.ErrorIs(t, err, ErrIncompleteInterface)

	ifc = target.table()
	ifc.Registers = append(ifc.Registers, Register{Name: "odd", Bits: 12})
	_, err = New(&IOInterface{
		Peek:  func() int { return 0 },
		Read:  func([]byte) (int, Status) { return 0, StatusSuccess },
		Write: func([]byte) Status { return StatusSuccess },
		Poll:  func() Status { return StatusSuccess },
	}, ifc)
	assert.ErrorIs(t, err, ErrIncompleteInterface)
}

func TestRSP_QSupported_NoAckMode(t *testing.T) {
	s := startSession(t)

	reply := s.roundTrip("qSupported:multiprocess+")
	assert.Contains(t, reply, "QStartNoAckMode+")
	assert.Contains(t, reply, "qXfer:features:read+")

	assert.Equal(t, "OK", s.roundTrip("QStartNoAckMode"))

	// No ack is sent once no-ack mode is active.
	_, err := s.client.Write(encodeRSP("qAttached"))
	require.NoError(t, err)
	ack, reply, err := readReply(s.r)
	require.NoError(t, err)
	assert.False(t, ack)
	assert.Equal(t, "1", reply)
}

func TestRSP_HaltReasonStopsRunningTarget(t *testing.T) {
	s := startSession(t)
	s.target.setState(TargetStateRunning)

	assert.Equal(t, "S05", s.roundTrip("?"))
	assert.Equal(t, TargetStateStopped, s.target.getState())
}

func TestRSP_Registers(t *testing.T) {
	s := startSession(t)

	assert.Equal(t, "00000001"+"00000002"+"bfc00000"+"00000000", s.roundTrip("g"))
	assert.Equal(t, "bfc00000", s.roundTrip("p2"))
	assert.Equal(t, "E01", s.roundTrip("p9"))

	assert.Equal(t, "OK", s.roundTrip("P1=80001000"))
	assert.Equal(t, "80001000", s.roundTrip("p1"))
	assert.Equal(t, "E01", s.roundTrip("P1=00"))

	assert.Equal(t, "OK", s.roundTrip("G"+strings.Repeat("11", 16)))
	assert.Equal(t, "11111111", s.roundTrip("p3"))
	assert.Equal(t, "E01", s.roundTrip("G1122"))
}

func TestRSP_Memory(t *testing.T) {
	s := startSession(t)

	assert.Equal(t, "10111213", s.roundTrip("m1010,4"))
	assert.Equal(t, "E01", s.roundTrip("m0,4"))

	assert.Equal(t, "OK", s.roundTrip("M1000,2:cafe"))
	assert.Equal(t, "cafe", s.roundTrip("m1000,2"))
	assert.Equal(t, "E02", s.roundTrip("M1000,2:ca"))

	// Binary write with an escaped '#' (0x23).
	assert.Equal(t, "OK", s.roundTrip("X1004,2:}\x03A"))
	assert.Equal(t, "2341", s.roundTrip("m1004,2"))
	assert.Equal(t, "OK", s.roundTrip("X1004,0:"))
}

func TestRSP_Tracepoints(t *testing.T) {
	s := startSession(t)

	cases := []struct {
		pkt string
		typ TracepointType
	}{
		{"Z0,1000,4", TracepointExecSoftware},
		{"Z1,1004,4", TracepointExecHardware},
		{"Z2,1008,4", TracepointMemWrite},
		{"Z3,100c,4", TracepointMemRead},
		{"Z4,1010,4", TracepointMemAccess},
	}
	for _, tc := range cases {
		assert.Equal(t, "OK", s.roundTrip(tc.pkt), tc.pkt)
	}
	require.Len(t, s.target.tracepoints, len(cases))
	for i, tc := range cases {
		assert.Equal(t, tc.typ, s.target.tracepoints[i].typ, tc.pkt)
	}
	assert.Equal(t, uint64(0x100c), s.target.tracepoints[3].addr)

	assert.Equal(t, "", s.roundTrip("Z9,1000,4"))
	assert.Equal(t, "OK", s.roundTrip("z0,1000,4"))
	assert.Equal(t, []uint64{0x1000}, s.target.cleared)
}

func TestRSP_QXferFeaturesChunks(t *testing.T) {
	s := startSession(t)

	var doc strings.Builder
	off := 0
	for {
		reply := s.roundTrip("qXfer:features:read:target.xml:" + hex.EncodeToString([]byte{byte(off >> 8), byte(off)}) + ",80")
		require.NotEmpty(t, reply)
		doc.WriteString(reply[1:])
		off += len(reply) - 1
		if reply[0] == 'l' {
			break
		}
		require.Equal(t, byte('m'), reply[0])
	}
	xml := doc.String()
	assert.Contains(t, xml, "<architecture>mips:5900</architecture>")
	assert.Contains(t, xml, `<feature name="org.gnu.gdb.mips.cpu">`)
	assert.Contains(t, xml, `<reg name="pc" bitsize="32" regnum="2" type="code_ptr"></reg>`)
	assert.Contains(t, xml, `<feature name="org.gnu.gdb.mips.fpu">`)

	assert.Equal(t, "l", s.roundTrip("qXfer:features:read:target.xml:ffff,10"))
	assert.Equal(t, "E01", s.roundTrip("qXfer:features:read:target.xml:zz"))
}

func TestRSP_MonitorCommands(t *testing.T) {
	s := startSession(t)

	reply := s.roundTrip("qRcmd," + hex.EncodeToString([]byte("ECHO hello world")))
	out, err := hex.DecodeString(strings.TrimPrefix(reply, "O"))
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", string(out))
	_, final, err := readReply(s.r)
	require.NoError(t, err)
	assert.Equal(t, "OK", final)

	reply = s.roundTrip("qRcmd," + hex.EncodeToString([]byte("help")))
	out, err = hex.DecodeString(strings.TrimPrefix(reply, "O"))
	require.NoError(t, err)
	assert.Contains(t, string(out), "print the arguments")
	_, final, err = readReply(s.r)
	require.NoError(t, err)
	assert.Equal(t, "OK", final)

	assert.Equal(t, "", s.roundTrip("qRcmd,"+hex.EncodeToString([]byte("frobnicate now"))))
	assert.Equal(t, []string{"frobnicate now"}, s.target.monitor)
}

func TestRSP_ContinueSendsStopReplyWhenTargetHalts(t *testing.T) {
	s := startSession(t)

	_, err := s.client.Write(encodeRSP("c"))
	require.NoError(t, err)
	ack, err := s.r.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte('+'), ack)

	require.Eventually(t, func() bool { return s.target.getState() == TargetStateRunning }, time.Second, time.Millisecond)
	s.target.setState(TargetStateStopped)

	_, reply, err := readReply(s.r)
	require.NoError(t, err)
	assert.Equal(t, "S05", reply)
}

func TestRSP_InterruptStopsTarget(t *testing.T) {
	s := startSession(t)
	s.target.setState(TargetStateRunning)

	_, err := s.client.Write([]byte{0x03})
	require.NoError(t, err)
	_, reply, err := readReply(s.r)
	require.NoError(t, err)
	assert.Equal(t, "S02", reply)
	assert.Equal(t, TargetStateStopped, s.target.getState())
}

func TestRSP_InterruptOnDeadTargetReportsError(t *testing.T) {
	s := startSession(t)
	s.target.mu.Lock()
	s.target.state = TargetStateRunning
	s.target.stopStatus = StatusTryAgain
	s.target.mu.Unlock()

	_, err := s.client.Write([]byte{0x03})
	require.NoError(t, err)
	_, reply, err := readReply(s.r)
	require.NoError(t, err)
	assert.Equal(t, "E0b", reply)
	assert.Equal(t, TargetStateRunning, s.target.getState())
}

func TestRSP_Step(t *testing.T) {
	s := startSession(t)

	assert.Equal(t, "S05", s.roundTrip("s"))
	assert.Equal(t, "S05", s.roundTrip("vCont;s:1"))
	assert.Equal(t, 2, s.target.steps)

	// Step from an explicit address rewrites pc first.
	assert.Equal(t, "S05", s.roundTrip("s1000"))
	assert.Equal(t, "00001000", s.roundTrip("p2"))
}

func TestRSP_BadChecksumIsNacked(t *testing.T) {
	s := startSession(t)

	_, err := s.client.Write([]byte("$g#00"))
	require.NoError(t, err)
	b, err := s.r.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte('-'), b)

	// The session survives.
	assert.Equal(t, "1", s.roundTrip("qAttached"))
}

func TestRSP_PacketsAreObserved(t *testing.T) {
	s := startSession(t)

	s.roundTrip("qAttached")
	s.roundTrip("m1000,1")
	assert.Equal(t, []string{"qAttached", "m1000,1"}, s.target.packets)
}

func TestRSP_DetachEndsSession(t *testing.T) {
	s := startSession(t)

	assert.Equal(t, "OK", s.roundTrip("D"))
	select {
	case st := <-s.done:
		assert.Equal(t, StatusSuccess, st)
	case <-time.After(time.Second):
		t.Fatal("run loop did not return after detach")
	}
	assert.Equal(t, TargetStateRunning, s.target.getState())
}

func TestRun_HonoursShutdownRequest(t *testing.T) {
	s := startSession(t)

	s.target.mu.Lock()
	s.target.shutdown = true
	s.target.mu.Unlock()

	select {
	case st := <-s.done:
		assert.Equal(t, StatusSuccess, st)
	case <-time.After(time.Second):
		t.Fatal("run loop ignored shutdown request")
	}
	s.target.mu.Lock()
	defer s.target.mu.Unlock()
	assert.True(t, s.target.completed)
}

func TestRun_ReportsPeerDisconnect(t *testing.T) {
	s := startSession(t)

	require.NoError(t, s.client.Close())
	select {
	case st := <-s.done:
		assert.Equal(t, StatusPeerDisconnected, st)
	case <-time.After(time.Second):
		t.Fatal("run loop did not notice the disconnect")
	}
}
