package room

import (
	"context"
	"net/http"
	"strings"

	"github.com/roomkit-dev/roomkit/internal/v1/state"
)

// Result classifies the outcome of dispatching one inbound event.
type Result int

const (
	// ResultOK means the handler ran to completion.
	ResultOK Result = iota
	// ResultDropped means the event was discarded (bad shape, unknown
	// action, failed validation or action guard).
	ResultDropped
	// ResultClosed means a room guard rejected the event and the connection
	// was closed.
	ResultClosed
)

// ActionHandler mutates room state in response to a client action. It runs on
// the room's event loop; user is the sender's entity.
type ActionHandler func(ctx context.Context, user state.Entity, value any, conn Connection) error

// Validator checks an action or request payload before the handler runs.
type Validator func(value any) error

// Action is one registered action: its name, per-action guards evaluated in
// declaration order, an optional payload validator, and the handler.
type Action struct {
	Name     string
	Guards   []Guard
	Validate Validator
	Handler  ActionHandler
}

// RegisterAction adds an action to the room's registry. Later registrations
// under the same name replace earlier ones.
func (r *Room) RegisterAction(a *Action) {
	r.actions[a.Name] = a
}

// RequestHandler serves one declarative HTTP route. params holds the values
// bound by {param} segments of the route template.
type RequestHandler func(ctx context.Context, params map[string]string, body []byte, conn *http.Request) (*Response, error)

// Request is one declarative HTTP route on a room.
type Request struct {
	Method   string
	Template string // e.g. "/state/{key}"
	Validate Validator
	Handler  RequestHandler
}

// Response is a prepared HTTP response. A nil Response from a handler with a
// nil error yields 200 with an empty JSON object.
type Response struct {
	Status int
	Body   any
}

// RegisterRequest adds an HTTP route. Matching is exact by method and
// template; the first registered match wins.
func (r *Room) RegisterRequest(req *Request) {
	r.requests = append(r.requests, req)
}

// matchTemplate matches a concrete path against a route template, binding
// {param} segments. Both sides are split on "/"; empty leading segments from
// the root slash cancel out.
func matchTemplate(template, path string) (map[string]string, bool) {
	tsegs := strings.Split(strings.Trim(template, "/"), "/")
	psegs := strings.Split(strings.Trim(path, "/"), "/")
	if len(tsegs) != len(psegs) {
		return nil, false
	}

	params := make(map[string]string)
	for i, ts := range tsegs {
		if strings.HasPrefix(ts, "{") && strings.HasSuffix(ts, "}") {
			params[ts[1:len(ts)-1]] = psegs[i]
			continue
		}
		if ts != psegs[i] {
			return nil, false
		}
	}
	return params, true
}
