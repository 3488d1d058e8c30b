// Package demo is a small reference room: a shared counter plus per-player
// score, enough to exercise the runtime end to end and serve as a template
// for real room logic.
package demo

import (
	"context"
	"errors"
	"net/http"

	"github.com/roomkit-dev/roomkit/internal/v1/room"
	"github.com/roomkit-dev/roomkit/internal/v1/signal"
	"github.com/roomkit-dev/roomkit/internal/v1/state"
)

// Player is one connected user's entity.
type Player struct {
	state.Node
	ID        *signal.Scalar
	Name      *signal.Scalar
	Connected *signal.Scalar
	Score     *signal.Scalar
}

func NewPlayer() *Player {
	return &Player{
		ID:        signal.NewScalar(""),
		Name:      signal.NewScalar(""),
		Connected: signal.NewScalar(false),
		Score:     signal.NewScalar(0),
	}
}

func (p *Player) Fields() []state.Field {
	return []state.Field{
		{Name: "id", Kind: state.KindScalar, Role: state.RoleID, Sig: p.ID},
		{Name: "name", Kind: state.KindScalar, Role: state.RoleSync, Sig: p.Name},
		{Name: "connected", Kind: state.KindScalar, Role: state.RoleConnected, Sig: p.Connected},
		{Name: "score", Kind: state.KindScalar, Role: state.RoleSync, Sig: p.Score},
	}
}

// LobbyRoot is the room's state tree.
type LobbyRoot struct {
	state.Node
	Count *signal.Scalar
	Users *signal.Map
}

func NewLobbyRoot() *LobbyRoot {
	return &LobbyRoot{
		Count: signal.NewScalar(0),
		Users: signal.NewMap(signal.WithClassType(func() any { return NewPlayer() })),
	}
}

func (l *LobbyRoot) Fields() []state.Field {
	return []state.Field{
		{Name: "count", Kind: state.KindScalar, Role: state.RoleSync, Sig: l.Count},
		{Name: "users", Kind: state.KindMap, Role: state.RoleUsers, Sig: l.Users},
	}
}

// bump increments a counter value. Fresh trees hold ints; restored trees hold
// float64 after the JSON round-trip.
func bump(v any) any {
	switch n := v.(type) {
	case int:
		return n + 1
	case float64:
		return int(n) + 1
	}
	return 1
}

// Lobby is the room logic.
type Lobby struct {
	roomID string
}

// NewLogic is the blueprint factory.
func NewLogic(roomID string) room.Logic {
	return &Lobby{roomID: roomID}
}

func (l *Lobby) NewRoot() state.Entity {
	return NewLobbyRoot()
}

// Register wires the lobby's actions and request routes.
func (l *Lobby) Register(r *room.Room) {
	root := func() *LobbyRoot { return r.Root().(*LobbyRoot) }

	r.RegisterAction(&room.Action{
		Name: "increment",
		Handler: func(ctx context.Context, user state.Entity, value any, conn room.Connection) error {
			root().Count.Update(bump)
			if p, ok := user.(*Player); ok {
				p.Score.Update(bump)
			}
			return nil
		},
	})

	r.RegisterAction(&room.Action{
		Name: "setName",
		Validate: func(value any) error {
			s, ok := value.(string)
			if !ok || s == "" {
				return errors.New("name must be a non-empty string")
			}
			if len(s) > 64 {
				return errors.New("name too long")
			}
			return nil
		},
		Handler: func(ctx context.Context, user state.Entity, value any, conn room.Connection) error {
			if p, ok := user.(*Player); ok {
				p.Name.Set(value)
			}
			return nil
		},
	})

	r.RegisterRequest(&room.Request{
		Method:   http.MethodGet,
		Template: "/count",
		Handler: func(ctx context.Context, params map[string]string, body []byte, req *http.Request) (*room.Response, error) {
			return &room.Response{Body: map[string]any{"count": root().Count.Get()}}, nil
		},
	})
}

// OnJoin seeds a friendly default name for first-time players.
func (l *Lobby) OnJoin(ctx context.Context, user state.Entity, conn room.Connection) {
	p, ok := user.(*Player)
	if !ok {
		return
	}
	if name, _ := p.Name.Peek().(string); name == "" {
		id, _ := p.ID.Peek().(string)
		if len(id) > 8 {
			id = id[:8]
		}
		p.Name.Set("player-" + id)
	}
}
