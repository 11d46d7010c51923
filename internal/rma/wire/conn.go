package wire

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
)

// Conn is one framed byte-stream to a peer, independent of the carrier
type Conn interface {
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
	IsOpen() bool
}

var errConnClosed = errors.New("wire: connection closed")

// ========== WebSocket carrier ==========

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

func newWSConn(conn *websocket.Conn, writeTimeout time.Duration) *wsConn {
	return &wsConn{conn: conn, timeout: writeTimeout}
}

func (c *wsConn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) Receive() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, errConnClosed
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *wsConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// ========== WebRTC data-channel carrier ==========

// rtcConn carries frames over an SCTP data channel. The channel delivers
// by callback, so inbound data funnels through a buffered channel.
type rtcConn struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	inbound chan []byte
	done    chan struct{}
	once    sync.Once
}

func newRTCConn(pc *webrtc.PeerConnection, dc *webrtc.DataChannel) *rtcConn {
	c := &rtcConn{pc: pc, dc: dc, inbound: make(chan []byte, 256), done: make(chan struct{})}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case c.inbound <- msg.Data:
		case <-c.done:
		}
	})
	dc.OnClose(func() { c.shut() })
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed,
			webrtc.PeerConnectionStateDisconnected:
			c.shut()
		}
	})
	return c
}

func (c *rtcConn) shut() {
	c.once.Do(func() { close(c.done) })
}

func (c *rtcConn) Send(data []byte) error {
	if !c.IsOpen() {
		return errConnClosed
	}
	return c.dc.Send(data)
}

func (c *rtcConn) Receive() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.done:
		return nil, errConnClosed
	}
}

func (c *rtcConn) Close() error {
	c.shut()
	if err := c.dc.Close(); err != nil {
		return err
	}
	return c.pc.Close()
}

func (c *rtcConn) IsOpen() bool {
	select {
	case <-c.done:
		return false
	default:
		return c.dc.ReadyState() == webrtc.DataChannelStateOpen
	}
}

// iceConfig builds the WebRTC configuration from a server list
func iceConfig(servers []string) webrtc.Configuration {
	var ice []webrtc.ICEServer
	for _, s := range servers {
		ice = append(ice, webrtc.ICEServer{URLs: []string{s}})
	}
	return webrtc.Configuration{
		ICEServers:         ice,
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
		BundlePolicy:       webrtc.BundlePolicyMaxCompat,
	}
}

// signaler exchanges session descriptions and candidates with one peer
// over an already-open carrier, using signal frames.
type signaler interface {
	sendSignal(payload []byte) error
	recvSignal(ctx context.Context) ([]byte, error)
}

// offerDataChannel upgrades a connection to a data channel from the
// offering side. The returned Conn is ready for traffic.
func offerDataChannel(ctx context.Context, sig signaler, servers []string) (Conn, error) {
	pc, err := webrtc.NewPeerConnection(iceConfig(servers))
	if err != nil {
		return nil, err
	}
	dc, err := pc.CreateDataChannel("rma", nil)
	if err != nil {
		pc.Close()
		return nil, err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, err
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, err
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}
	if err := sig.sendSignal([]byte(pc.LocalDescription().SDP)); err != nil {
		pc.Close()
		return nil, err
	}
	answer, err := sig.recvSignal(ctx)
	if err != nil {
		pc.Close()
		return nil, err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: string(answer),
	}); err != nil {
		pc.Close()
		return nil, err
	}

	conn := newRTCConn(pc, dc)
	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })
	select {
	case <-opened:
		return conn, nil
	case <-conn.done:
		return nil, errConnClosed
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	}
}

// answerDataChannel upgrades a connection from the answering side
func answerDataChannel(ctx context.Context, sig signaler, servers []string) (Conn, error) {
	offer, err := sig.recvSignal(ctx)
	if err != nil {
		return nil, err
	}
	pc, err := webrtc.NewPeerConnection(iceConfig(servers))
	if err != nil {
		return nil, err
	}

	ready := make(chan *rtcConn, 1)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		conn := newRTCConn(pc, dc)
		dc.OnOpen(func() {
			select {
			case ready <- conn:
			default:
			}
		})
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: string(offer),
	}); err != nil {
		pc.Close()
		return nil, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, err
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, err
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}
	if err := sig.sendSignal([]byte(pc.LocalDescription().SDP)); err != nil {
		pc.Close()
		return nil, err
	}

	select {
	case conn := <-ready:
		return conn, nil
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}
}
