package bus

import (
	"context"
	"errors"
	stdhttp "net/http"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

type wsConn struct {
	*queueConn
	ws  *websocket.Conn
	log *zerolog.Logger
}

// ServeWebSocket upgrades a browser request, hands the connection to Accept
// and pumps binary messages until either side closes. It blocks for the
// lifetime of the connection, as http handlers do.
func (s *Server) ServeWebSocket(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("ws accept error")
		return
	}
	ws.SetReadLimit(MaxFrameSize)

	q := newQueueConn(TransportWebSocket, r.RemoteAddr, s.Wake)
	c := &wsConn{queueConn: q, ws: ws, log: s.log}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	q.onClose = cancel

	s.Accept(c)

	errCh := make(chan error, 2)
	go func() { errCh <- c.readLoop(ctx) }()
	go func() { errCh <- c.writeLoop(ctx) }()

	err = <-errCh
	_ = c.Close()
	<-errCh

	status := websocket.StatusNormalClosure
	if err != nil && !errors.Is(err, context.Canceled) {
		if st := websocket.CloseStatus(err); st != -1 {
			status = st
		}
		if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
			c.log.Debug().Err(err).Str("conn_id", c.ID().String()).Msg("ws connection closed with error")
		}
	}
	_ = ws.Close(status, "closing")
}

func (c *wsConn) readLoop(ctx context.Context) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageBinary || len(data) == 0 {
			continue
		}
		c.deliver(Message{Data: data})
	}
}

func (c *wsConn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case data := <-c.out:
			if err := c.ws.Write(ctx, websocket.MessageBinary, data); err != nil {
				return err
			}
		}
	}
}
