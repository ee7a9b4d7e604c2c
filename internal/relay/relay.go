// Package relay moves framed IP packets between a stream and the shared TUN
// device.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/xeonvpn/internal/protocol"
	"github.com/1ureka/xeonvpn/internal/transport"
	"github.com/1ureka/xeonvpn/internal/tun"
	"github.com/1ureka/xeonvpn/internal/util"
)

// relay holds the state of one relay-mode stream.
// Only the two pump goroutines and Serve touch it.
type relay struct {
	tag    string
	stream transport.Stream
	dev    *tun.SharedDevice
}

// Serve relays packets between stream and dev until both directions have
// stopped, then closes the stream.
//
// The uplink (stream → device) ends on end of stream, a framing error or a
// device write error. The downlink (device → stream) ends on a stream write
// error, when the stream's context is done or when ctx is cancelled. The two
// pumps are joined, not cancelled: a failing uplink leaves the downlink
// running. An oversized frame aborts the stream, which ends both.
func Serve(ctx context.Context, stream transport.Stream, dev *tun.SharedDevice, tag string) error {
	dev.Retain()
	defer dev.Release()

	r := &relay{tag: tag, stream: stream, dev: dev}

	var g errgroup.Group
	g.Go(r.uplink)
	g.Go(func() error { return r.downlink(ctx) })
	err := g.Wait()

	r.cleanup()
	return err
}

// uplink decodes frames from the stream and writes each payload verbatim to
// the device.
func (r *relay) uplink() error {
	for {
		payload, err := protocol.ReadFrame(r.stream)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				util.LogDebug("%s uplink: end of stream", r.tag)
				return nil
			case errors.Is(err, protocol.ErrFrameTooLarge):
				util.LogWarning("%s uplink: %v, aborting stream", r.tag, err)
				r.stream.CancelRead(transport.CodeProtocol)
				r.stream.CancelWrite(transport.CodeProtocol)
			default:
				util.LogWarning("%s uplink stopped: %v", r.tag, err)
			}
			return fmt.Errorf("uplink: %w", err)
		}

		if err := r.dev.WritePacket(payload); err != nil {
			util.LogWarning("%s uplink stopped: %v", r.tag, err)
			return fmt.Errorf("uplink: %w", err)
		}
		util.Stats.AddUp(len(payload))
	}
}

// downlink waits for packets from the device and writes each one to the
// stream as a frame.
func (r *relay) downlink(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.stream.Context(), cancel)
	defer stop()

	for {
		pkt, err := r.dev.ReadPacket(ctx)
		if err != nil {
			if ctx.Err() != nil {
				util.LogDebug("%s downlink: stream done", r.tag)
				return nil
			}
			util.LogWarning("%s downlink stopped: %v", r.tag, err)
			return fmt.Errorf("downlink: %w", err)
		}

		if err := protocol.WriteFrame(r.stream, pkt); err != nil {
			util.LogDebug("%s downlink stopped: %v", r.tag, err)
			return fmt.Errorf("downlink: %w", err)
		}
		util.Stats.AddDown(len(pkt))
	}
}

// cleanup finishes the send half and stops reading once both pumps are done.
func (r *relay) cleanup() {
	if err := r.stream.Finish(); err != nil {
		util.LogDebug("%s finish: %v", r.tag, err)
	}
	r.stream.CancelRead(transport.CodeNoError)
	util.LogDebug("%s relay stream closed", r.tag)
}
