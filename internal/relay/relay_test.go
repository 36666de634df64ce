package relay

import (
	"net"
	"testing"
	"time"

	"github.com/gocast/gocast/internal/sourceformat"
)

func newTestClient(localmount string, sink Sink) *Client {
	return &Client{
		desc:             &Descriptor{Localmount: localmount},
		state:            StateStreaming,
		running:          true,
		relaysConnecting: newGate(),
		sink:             sink,
		log:              testLogger(),
	}
}

func TestStepStreamingPublishesBuffer(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	sink := newFakeSink()
	c := newTestClient("/stream", sink)
	c.conn = clientSide
	c.source = sourceformat.New("/stream")
	c.source.ApplySettings(sourceformat.Settings{QueueBlockSize: 4}, 0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		serverSide.Write([]byte("ABCD"))
	}()

	c.stepStreaming(time.Now())
	<-done

	if sink.buffs != 1 {
		t.Fatalf("sink received %d buffers, want 1", sink.buffs)
	}
	if !sink.active["/stream"] {
		t.Error("sink was not told the source became active")
	}
	if c.state != StateStreaming {
		t.Errorf("state after a successful read = %v, want Streaming", c.state)
	}
}

func TestStepStreamingTimeoutStaysInStreaming(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	sink := newFakeSink()
	c := newTestClient("/stream", sink)
	c.conn = clientSide
	c.source = sourceformat.New("/stream")
	c.source.ApplySettings(sourceformat.Settings{QueueBlockSize: 4}, 0)

	// Nobody writes to serverSide, so the read deadline stepStreaming
	// itself sets (relayReadQuantum) should fire instead of blocking
	// the caller forever.
	c.stepStreaming(time.Now())

	if c.state != StateStreaming {
		t.Errorf("state after a read timeout = %v, want Streaming (retry next step)", c.state)
	}
	if sink.buffs != 0 {
		t.Errorf("sink received %d buffers on a timeout, want 0", sink.buffs)
	}
}

func TestStepStreamingStopRequestNotifiesSinkAndTerminates(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	sink := newFakeSink()
	sink.active["/stream"] = true
	c := newTestClient("/stream", sink)
	c.conn = clientSide
	c.source = sourceformat.New("/stream")
	c.running = false

	c.stepStreaming(time.Now())

	if c.state != StateTerminating {
		t.Errorf("state after running=false = %v, want Terminating", c.state)
	}
	if sink.active["/stream"] {
		t.Error("sink was not told the source went inactive on stop")
	}
}

func TestStepRetryFlagsFastFailingMaster(t *testing.T) {
	c := &Client{
		desc: &Descriptor{
			Localmount: "/stream",
			Masters: []Master{
				{IP: "1.1.1.1"},
				{IP: "2.2.2.2"},
			},
			Interval: time.Second,
		},
		connectedAt: time.Now().Add(-1 * time.Second), // connected < 60s ago
		masterIdx:   0,
		log:         testLogger(),
	}
	next := c.stepRetry(time.Now())

	if !c.desc.Masters[0].Skip {
		t.Error("master that died within 60s was not flagged Skip")
	}
	if c.state != StateStartup {
		t.Errorf("state after stepRetry = %v, want Startup", c.state)
	}
	if next.Before(time.Now()) {
		t.Error("stepRetry scheduled a time in the past")
	}
}

func TestStepRetryClearsSkipAfterStableConnection(t *testing.T) {
	c := &Client{
		desc: &Descriptor{
			Localmount: "/stream",
			Masters: []Master{
				{IP: "1.1.1.1", Skip: true},
			},
		},
		connectedAt: time.Now().Add(-5 * time.Minute), // stayed up a long time
		log:         testLogger(),
	}
	c.stepRetry(time.Now())

	if c.desc.Masters[0].Skip {
		t.Error("Skip was not cleared after a long-lived connection failed")
	}
}

func TestStepTerminatingWaitsForListeners(t *testing.T) {
	c := &Client{
		desc:          &Descriptor{Localmount: "/stream"},
		listenerCount: 1,
		terminateAt:   time.Now(),
		log:           testLogger(),
	}
	next := c.stepTerminating(time.Now())
	if c.state == StateDead || c.state == StateRetry {
		t.Error("stepTerminating advanced state while listeners were still attached")
	}
	if next.Before(time.Now()) {
		t.Error("stepTerminating should reschedule shortly in the future while draining")
	}
}

func TestStepTerminatingCleanupGoesToDead(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()

	c := &Client{
		desc:        &Descriptor{Localmount: "/stream"},
		conn:        clientSide,
		cleanup:     true,
		terminateAt: time.Now().Add(-3 * time.Second),
		log:         testLogger(),
	}
	c.stepTerminating(time.Now())
	if c.state != StateDead {
		t.Errorf("state after cleanup terminate = %v, want Dead", c.state)
	}
	if c.conn != nil {
		t.Error("connection was not released on cleanup terminate")
	}
}
