package shard

import (
	"context"
	"encoding/json"
	"net"

	"github.com/ionvault/persist/internal/perr"
)

// EnvelopeHandler processes one forwarded Envelope and returns the reply
// payload to write back to the sender, e.g. persist.App.HandleForwardedEnvelope.
type EnvelopeHandler func(ctx context.Context, env Envelope) (json.RawMessage, error)

// Serve accepts connections on ln and answers each length-prefixed JSON
// Envelope frame with handle's reply, using the same wire framing as
// NetForwarder.forward (client and server share writeFrame/readFrame). It
// blocks until ln.Accept returns an error (typically from ln.Close by the
// caller) or ctx is done.
func Serve(ctx context.Context, ln net.Listener, handle EnvelopeHandler) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return perr.Storagef(err, "accepting cluster forwarder connection")
		}
		go serveConn(ctx, conn, handle)
	}
}

func serveConn(ctx context.Context, conn net.Conn, handle EnvelopeHandler) {
	defer conn.Close()
	for {
		body, err := readFrame(conn)
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			if writeErr := writeFrame(conn, errorReplyFrame(err)); writeErr != nil {
				return
			}
			continue
		}

		data, err := handle(ctx, env)
		var frame []byte
		if err != nil {
			frame = errorReplyFrame(err)
		} else {
			frame, err = json.Marshal(wireReply{OK: true, Data: data})
			if err != nil {
				frame = errorReplyFrame(err)
			}
		}
		if err := writeFrame(conn, frame); err != nil {
			return
		}
	}
}

func errorReplyFrame(err error) []byte {
	body, marshalErr := json.Marshal(wireReply{OK: false, Error: err.Error()})
	if marshalErr != nil {
		return []byte(`{"ok":false,"error":"internal error marshaling error reply"}`)
	}
	return body
}
