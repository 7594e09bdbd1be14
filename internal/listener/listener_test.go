package listener

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"t95-bridge/internal/connmgr"
	"t95-bridge/internal/frame"
	"t95-bridge/internal/link"
	"t95-bridge/internal/testutils"
)

const (
	waitTimeout = 2 * time.Second
	tick        = 5 * time.Millisecond
)

// ListenerSuite drives a Listener against a simulated radio.
type ListenerSuite struct {
	suite.Suite

	radio    *testutils.Radio
	out      *testutils.Pipe
	rd       *frame.Reader
	cell     *link.Cell
	listener *Listener

	cancel context.CancelFunc
	done   chan error
}

func (s *ListenerSuite) SetupTest() {
	s.radio = testutils.NewRadio()
	s.out = testutils.NewPipe(0)
	s.rd = frame.NewReader(s.out)
	s.cell = &link.Cell{}

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	s.listener = New(s.radio.Factory(), frame.NewWriter(s.out), s.cell, Options{
		Server:  connmgr.ServerOptions{ServiceName: "server", ServiceUUID: connmgr.SPPUUID},
		Backoff: 20 * time.Millisecond,
	}, logger)
}

func (s *ListenerSuite) TearDownTest() {
	if s.cancel != nil {
		s.cancel()
		select {
		case <-s.done:
		case <-time.After(waitTimeout):
			s.Fail("listener did not stop")
		}
		s.cancel = nil
	}
	_ = s.out.Close()
}

func (s *ListenerSuite) run() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan error, 1)
	go func() { s.done <- s.listener.Run(ctx) }()
}

func (s *ListenerSuite) waitState(want State) {
	s.Require().Eventually(func() bool { return s.listener.State() == want }, waitTimeout, tick,
		"listener never reached %s", want)
}

func (s *ListenerSuite) waitAccepting() {
	s.Require().Eventually(func() bool { return s.radio.Stats().Accepting == 1 }, waitTimeout, tick)
}

func (s *ListenerSuite) TestInitialStateIsIdle() {
	s.Equal(Idle, s.listener.State())
	s.Equal("connected", Connected.String())
}

func (s *ListenerSuite) TestAcceptsPeerAndPublishesLink() {
	s.run()
	s.waitState(Listening)
	s.Equal("server", s.radio.Stats().LastOpts.ServiceName)

	conn := s.radio.Connect("AA:BB:CC:DD:EE:FF")
	envs := testutils.ReadEnvelopes(s.T(), s.rd, 1, waitTimeout)
	s.Equal(frame.Connected, envs[0].Type)
	s.Equal("AA:BB:CC:DD:EE:FF", envs[0].Peer.String())

	s.waitState(Connected)
	lk := s.cell.Load()
	s.Require().NotNil(lk)
	s.Equal(testutils.FakeChannel, lk.Peer().Channel)

	s.Require().NoError(s.cell.Send([]byte{0x01}))
	s.Equal([][]byte{{0x01}}, conn.Written())
}

func (s *ListenerSuite) TestSecondPeerWaitsForFirstToTerminate() {
	s.run()
	first := s.radio.Connect("AA:BB:CC:DD:EE:01")
	testutils.ReadEnvelopes(s.T(), s.rd, 1, waitTimeout)
	s.waitState(Connected)

	second := s.radio.Connect("AA:BB:CC:DD:EE:02")
	s.Never(func() bool { return s.radio.Stats().Accepted > 1 }, 100*time.Millisecond, tick,
		"second peer accepted while the first link is active")
	s.Equal(1, s.radio.Pending())
	s.Equal(0, s.radio.Stats().Accepting)

	first.Hangup()
	envs := testutils.ReadEnvelopes(s.T(), s.rd, 2, waitTimeout)
	s.Equal([]frame.PacketType{frame.Disconnected, frame.Connected}, testutils.Types(envs))
	s.Equal("AA:BB:CC:DD:EE:01", envs[0].Peer.String())
	s.Equal("AA:BB:CC:DD:EE:02", envs[1].Peer.String())

	s.True(first.IsClosed())
	s.False(second.IsClosed())
	s.Equal(1, s.radio.Stats().MaxOpenNow, "one rendezvous point at a time")
}

func (s *ListenerSuite) TestRestartsListeningAfterDisconnect() {
	s.run()
	conn := s.radio.Connect("AA:BB:CC:DD:EE:FF")
	testutils.ReadEnvelopes(s.T(), s.rd, 1, waitTimeout)

	conn.Hangup()
	envs := testutils.ReadEnvelopes(s.T(), s.rd, 1, waitTimeout)
	s.Equal(frame.Disconnected, envs[0].Type)

	s.waitAccepting()
	s.Equal(Listening, s.listener.State())
	s.Nil(s.cell.Load())
	stats := s.radio.Stats()
	s.Equal(2, stats.Opened)
	s.Equal(1, stats.Closed)
}

func (s *ListenerSuite) TestRetriesAfterStartFailure() {
	s.radio.FailNextStart(errors.New("hci0: resource busy"))
	s.radio.FailNextStart(errors.New("hci0: resource busy"))
	start := time.Now()
	s.run()

	s.waitAccepting()
	s.GreaterOrEqual(time.Since(start), 40*time.Millisecond, "each retry waits for the backoff")
	stats := s.radio.Stats()
	s.Equal(3, stats.Opened)
	s.Equal(2, stats.Closed)
}

func (s *ListenerSuite) TestCancelStopsRunAndClosesLink() {
	s.run()
	conn := s.radio.Connect("AA:BB:CC:DD:EE:FF")
	testutils.ReadEnvelopes(s.T(), s.rd, 1, waitTimeout)
	s.waitState(Connected)

	s.cancel()
	select {
	case err := <-s.done:
		s.ErrorIs(err, context.Canceled)
	case <-time.After(waitTimeout):
		s.FailNow("listener did not stop")
	}
	s.cancel = nil

	s.True(conn.IsClosed())
	s.Nil(s.cell.Load())
	s.Equal(Idle, s.listener.State())
	stats := s.radio.Stats()
	s.Equal(stats.Opened, stats.Closed)
}

func (s *ListenerSuite) TestCloseIsIdempotent() {
	s.run()
	conn := s.radio.Connect("AA:BB:CC:DD:EE:FF")
	testutils.ReadEnvelopes(s.T(), s.rd, 1, waitTimeout)
	s.waitState(Connected)

	s.NoError(s.listener.Close())
	s.NoError(s.listener.Close())

	select {
	case err := <-s.done:
		s.NoError(err)
	case <-time.After(waitTimeout):
		s.FailNow("listener did not stop")
	}
	s.cancel()
	s.cancel = nil

	envs := testutils.ReadEnvelopes(s.T(), s.rd, 1, waitTimeout)
	s.Equal(frame.Disconnected, envs[0].Type)
	s.NoError(s.listener.Close())
	s.Equal(0, s.out.Length(), "closing twice must not emit a second DISCONNECTED")
	s.True(conn.IsClosed())
}

func TestListenerSuite(t *testing.T) {
	suite.Run(t, new(ListenerSuite))
}
