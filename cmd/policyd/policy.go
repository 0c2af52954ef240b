package main

import (
	"bytes"
	"strings"

	"github.com/matst80/socktls/internal/proto"
	"github.com/matst80/socktls/internal/sockopt"
	"golang.org/x/sys/unix"
)

// policy decides notifications on behalf of a daemon.
type policy struct {
	allow    []string // exact names or "*.suffix"; empty allows everything
	peerCert []byte
}

func (p *policy) allowed(host string) bool {
	if len(p.allow) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, a := range p.allow {
		a = strings.ToLower(a)
		if suffix, ok := strings.CutPrefix(a, "*"); ok {
			if strings.HasSuffix(host, suffix) && len(host) > len(suffix) {
				return true
			}
			continue
		}
		if host == a {
			return true
		}
	}
	return false
}

// decide answers one notification.
func (p *policy) decide(n proto.Notification) proto.Report {
	rep := proto.Report{Kind: proto.ReportStatus, Key: n.Key, Token: n.Token}
	switch n.Kind {
	case "set":
		if n.Optname == sockopt.Hostname {
			host := string(bytes.TrimRight(n.Value, "\x00"))
			if !p.allowed(host) {
				rep.Status = int(unix.EACCES)
			}
		}
	case "get":
		switch {
		case n.Optname == sockopt.PeerCertificate && len(p.peerCert) > 0:
			rep.Kind = proto.ReportData
			rep.Data = p.peerCert
		case n.Optname == sockopt.PeerCertificate:
			rep.Status = int(unix.ENOTCONN)
		default:
			rep.Status = int(unix.EOPNOTSUPP)
		}
	default:
		rep.Status = int(unix.EINVAL)
	}
	return rep
}
