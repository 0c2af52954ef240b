package relay

import (
	"time"

	"github.com/matst80/socktls/internal/obs"
	"github.com/matst80/socktls/internal/registry"
	"github.com/matst80/socktls/internal/slot"
	"github.com/matst80/socktls/internal/sockopt"
)

// relay sends one notification for rec and waits for the answer. Timeouts
// and delivery failures both surface as ENOBUFS so callers cannot tell an
// unreachable daemon from resource exhaustion.
func (e *Engine) relay(rec *registry.Record, kind Kind, level, optname int, value []byte) (slot.Result, error) {
	done := rec.BeginCall()
	defer done()
	token, ch, err := rec.Slot.Arm()
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("slot_busy").Inc()
		return slot.Result{}, sockopt.ErrNoBufferSpace
	}
	// Checked after arming: a removal racing this call either is seen here or
	// completes the armed slot with EBADF.
	if rec.Removed() {
		rec.Slot.Disarm(token)
		return slot.Result{}, sockopt.ErrBadFileDescriptor
	}
	n := Notification{
		Kind:     kind,
		Key:      rec.Key,
		Token:    token,
		Level:    level,
		Optname:  optname,
		Value:    value,
		DaemonID: rec.DaemonID,
	}
	obs.RelaysTotal.WithLabelValues(string(kind)).Inc()
	e.count(func(s *Stats) { s.Relays++ })
	start := time.Now()
	if err := e.notifier.Notify(n); err != nil {
		rec.Slot.Disarm(token)
		obs.Error("relay.notify", obs.Fields{"err": err.Error(), "key": uint64(rec.Key), "daemon": rec.DaemonID, "optname": optname})
		obs.ErrorsTotal.WithLabelValues("notify").Inc()
		return slot.Result{}, sockopt.ErrNoBufferSpace
	}
	res, ok := rec.Slot.Wait(token, ch, e.cfg.Timeout)
	if !ok {
		obs.Error("relay.timeout", obs.Fields{"key": uint64(rec.Key), "daemon": rec.DaemonID, "optname": optname, "token": token})
		obs.RelayTimeoutTotal.Inc()
		e.count(func(s *Stats) { s.Timeouts++ })
		return slot.Result{}, sockopt.ErrNoBufferSpace
	}
	obs.RelayDurationSeconds.Observe(time.Since(start).Seconds())
	return res, nil
}
