package relay

import (
	"github.com/matst80/socktls/internal/obs"
	"github.com/matst80/socktls/internal/registry"
	"github.com/matst80/socktls/internal/slot"
	"golang.org/x/sys/unix"
)

// ReportStatus completes the call identified by key and token with a plain
// status. daemonID names the daemon that sent the report; it must own the
// record. Reports for unknown keys, foreign records or calls no longer
// waiting are dropped.
func (e *Engine) ReportStatus(daemonID string, key registry.Key, token uint64, status int) {
	e.complete(daemonID, key, token, slot.Result{Status: status})
}

// ReportPayload completes a get call with data. The engine keeps its own
// copy, so data may be reused by the caller. Delivery implies success.
// Payloads above Config.MaxPayload complete the call with ENOMEM.
func (e *Engine) ReportPayload(daemonID string, key registry.Key, token uint64, data []byte) {
	if len(data) > e.cfg.MaxPayload {
		obs.Error("relay.payload.too_large", obs.Fields{"key": uint64(key), "len": len(data), "max": e.cfg.MaxPayload})
		obs.ErrorsTotal.WithLabelValues("payload_too_large").Inc()
		e.complete(daemonID, key, token, slot.Result{Status: int(unix.ENOMEM)})
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	e.complete(daemonID, key, token, slot.Result{Status: 0, Payload: buf})
}

func (e *Engine) complete(daemonID string, key registry.Key, token uint64, r slot.Result) {
	rec := e.records.Lookup(key)
	if rec == nil || rec.Removed() {
		obs.Debug("relay.report.no_record", obs.Fields{"key": uint64(key), "token": token})
		return
	}
	if rec.DaemonID != daemonID {
		obs.Error("relay.report.foreign", obs.Fields{"key": uint64(key), "daemon": daemonID, "owner": rec.DaemonID})
		obs.ErrorsTotal.WithLabelValues("report_foreign").Inc()
		return
	}
	if !rec.Slot.Complete(token, r) {
		obs.Debug("relay.report.stale", obs.Fields{"key": uint64(key), "token": token, "status": r.Status})
		obs.StaleReportsTotal.Inc()
		e.count(func(s *Stats) { s.Stale++ })
	}
}
