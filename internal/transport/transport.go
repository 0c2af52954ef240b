// Package transport carries relay notifications to policy daemons and feeds
// their answers back into a Sink.
package transport

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/matst80/socktls/internal/proto"
	"github.com/matst80/socktls/internal/registry"
	"github.com/matst80/socktls/internal/relay"
)

// ErrNoDaemon is returned when a notification names a daemon that is not
// reachable through the transport.
var ErrNoDaemon = errors.New("transport: daemon not connected")

// Sink receives daemon answers. *relay.Engine implements it.
type Sink interface {
	ReportStatus(daemonID string, key registry.Key, token uint64, status int)
	ReportPayload(daemonID string, key registry.Key, token uint64, data []byte)
}

var _ Sink = (*relay.Engine)(nil)

func toProto(n relay.Notification) proto.Notification {
	return proto.Notification{
		Kind:    string(n.Kind),
		Key:     uint64(n.Key),
		Token:   n.Token,
		Level:   n.Level,
		Optname: n.Optname,
		Value:   n.Value,
	}
}

// deliver routes a report sent by daemonID into sink.
func deliver(sink Sink, daemonID string, r proto.Report) error {
	switch r.Kind {
	case proto.ReportStatus:
		sink.ReportStatus(daemonID, registry.Key(r.Key), r.Token, r.Status)
	case proto.ReportData:
		sink.ReportPayload(daemonID, registry.Key(r.Key), r.Token, r.Data)
	default:
		return errors.New("unknown report kind: " + r.Kind)
	}
	return nil
}

func writeJSONLine(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}
