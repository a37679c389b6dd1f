// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"

	"github.com/Thermoquad/mcbstat/pkg/host"
	"github.com/Thermoquad/mcbstat/pkg/mcbproto"
)

// DefaultInterval is the polling interval of a Bridge
const DefaultInterval = 200 * time.Millisecond

// Bridge polls boards and forwards their state to a Sink. Polling also keeps
// the boards' communication timeout from expiring.
type Bridge struct {
	Client   *host.Client
	Sink     Sink
	Boards   []uint8
	Interval time.Duration
}

// Run polls every Interval until ctx is done or the connection closes
func (b *Bridge) Run(ctx context.Context) error {
	interval := b.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := b.Poll(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll reads both channels and any pending notification of every board once.
// Boards that fail to answer are skipped; only a closed connection or a done
// ctx is returned.
func (b *Bridge) Poll(ctx context.Context) error {
	for _, id := range b.Boards {
		for _, ch := range []mcbproto.Channel{mcbproto.ChannelA, mcbproto.ChannelB} {
			s, err := b.Client.ReadChannel(ctx, id, ch)
			if err != nil {
				if fatal(ctx, err) {
					return err
				}
				glog.V(1).Infof("telemetry: %v", err)
				continue
			}
			if err := b.Sink.PublishState(s); err != nil {
				glog.Warningf("telemetry: publishing board %d channel %s: %v", id, ch, err)
			}
		}

		r, err := b.Client.PollNotification(ctx, id)
		if err != nil {
			if fatal(ctx, err) {
				return err
			}
			continue
		}
		if r != nil {
			b.Notify(r)
		}
	}
	return nil
}

// Notify publishes a board notification. It can serve as host.Options.Notify.
func (b *Bridge) Notify(r *mcbproto.Reply) {
	e := NewEvent(r)
	glog.Infof("telemetry: board %d channel %s %s %s", e.BoardID, e.Channel, e.Kind, e.Message)
	if err := b.Sink.PublishEvent(e); err != nil {
		glog.Warningf("telemetry: publishing event: %v", err)
	}
}

func fatal(ctx context.Context, err error) bool {
	return errors.Is(err, host.ErrClosed) || ctx.Err() != nil
}
