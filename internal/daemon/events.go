package daemon

import (
	"strings"

	"qomui/internal/database"
	"qomui/internal/ipc"
	"qomui/internal/tunnel"
)

// scopeEmitter fans one scope's tunnel events out to the bus, the status
// stream and the journal.
type scopeEmitter struct {
	d     *Daemon
	scope tunnel.Scope
}

type replyEvent struct {
	Scope tunnel.Scope `json:"scope"`
	Code  string       `json:"code"`
}

type connInfoEvent struct {
	Scope tunnel.Scope `json:"scope"`
	Line  string       `json:"line"`
}

func (e scopeEmitter) Reply(code string) {
	e.d.service.Reply(code)
	e.d.status.Publish(ipc.SignalReply, replyEvent{Scope: e.scope, Code: code})
	e.d.record(e.scope, code, "")
}

func (e scopeEmitter) ConnInfo(line string) {
	e.d.service.ConnInfo(line)
	e.d.status.Publish(ipc.SignalConnInfo, connInfoEvent{Scope: e.scope, Line: line})
}

// record appends a journal row for the scope's current request.
func (d *Daemon) record(scope tunnel.Scope, code, detail string) {
	if d.journal == nil {
		return
	}
	d.mu.Lock()
	req := d.requests[scope]
	d.mu.Unlock()
	ev := database.Event{
		Scope:    string(scope),
		Server:   req.Server.Name,
		Provider: req.Server.Provider,
		Address:  req.Server.IP,
		Code:     code,
		Detail:   strings.TrimSpace(detail),
	}
	if err := d.journal.Record(ev); err != nil {
		d.log.Warnf("journal: %v", err)
	}
}
