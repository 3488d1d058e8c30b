// Package session manages the server-side record of a client's identity
// across reconnects and the one-shot token protocol that migrates a session
// between rooms.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roomkit-dev/roomkit/internal/v1/storage"
)

// Data is the per-connection record persisted under session:{privateId}.
// The private id is opaque and only known to the owning client; the public
// id is the broadcast-visible identity.
type Data struct {
	PublicID       string         `json:"publicId"`
	Created        int64          `json:"created"`
	Connected      bool           `json:"connected"`
	LastRoomID     string         `json:"lastRoomId,omitempty"`
	State          map[string]any `json:"state,omitempty"`
	TransferToken  string         `json:"transferToken,omitempty"`
	TransferExpiry int64          `json:"transferExpiry,omitempty"`
	TransferData   map[string]any `json:"transferData,omitempty"`
}

// TransferMetadata is persisted under transfer:{token} in the world-shared
// namespace. PrivateID is the reverse index that spares the target room a
// session scan.
type TransferMetadata struct {
	SourceRoomID string `json:"sourceRoomId"`
	TargetRoomID string `json:"targetRoomId"`
	Timestamp    int64  `json:"timestamp"`
	TransferID   string `json:"transferId"`
	PrivateID    string `json:"privateId"`
}

// TransferTTL bounds how long a prepared transfer stays valid.
const TransferTTL = 5 * time.Minute

// ErrNotFound is returned when a session or transfer record does not exist
// (or is no longer valid).
var ErrNotFound = errors.New("session: not found")

// Namespacer opens the KV namespace belonging to a room. Transfers cross
// room boundaries, so the store needs to reach the source room's sessions.
type Namespacer func(roomID string) storage.Store

// Store persists sessions for one room and transfer records in the shared
// world scope.
type Store struct {
	roomID string
	kv     storage.Store // this room's namespace
	shared storage.Store // world scope, holds transfer:{token}
	ns     Namespacer
	now    func() time.Time
}

// NewStore creates a session store for roomID. shared is the world-scoped
// store; ns opens other rooms' namespaces for cross-room completion.
func NewStore(roomID string, shared storage.Store, ns Namespacer) *Store {
	return &Store{
		roomID: roomID,
		kv:     ns(roomID),
		shared: shared,
		ns:     ns,
		now:    time.Now,
	}
}

func sessionKey(privateID string) string { return "session:" + privateID }
func transferKey(token string) string    { return "transfer:" + token }

// Get loads the session for privateID, or ErrNotFound.
func (s *Store) Get(ctx context.Context, privateID string) (*Data, error) {
	return getSession(ctx, s.kv, privateID)
}

func getSession(ctx context.Context, kv storage.Store, privateID string) (*Data, error) {
	raw, err := kv.Get(ctx, sessionKey(privateID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var d Data
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("corrupt session record: %w", err)
	}
	return &d, nil
}

// Put persists the session for privateID.
func (s *Store) Put(ctx context.Context, privateID string, d *Data) error {
	return putSession(ctx, s.kv, privateID, d)
}

func putSession(ctx context.Context, kv storage.Store, privateID string, d *Data) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return kv.Put(ctx, sessionKey(privateID), raw)
}

// Delete removes the session for privateID.
func (s *Store) Delete(ctx context.Context, privateID string) error {
	return s.kv.Delete(ctx, sessionKey(privateID))
}

// New creates and persists a fresh session, generating a public id.
func (s *Store) New(ctx context.Context, privateID string) (*Data, error) {
	d := &Data{
		PublicID:   uuid.NewString(),
		Created:    s.now().UnixMilli(),
		Connected:  true,
		LastRoomID: s.roomID,
	}
	if err := s.Put(ctx, privateID, d); err != nil {
		return nil, err
	}
	return d, nil
}

// PrepareTransfer issues a one-shot token migrating privateID's session to
// targetRoomID. Returns ErrNotFound when the session does not exist. The
// transfer record is the authority; the token needs entropy, not secrecy.
func (s *Store) PrepareTransfer(ctx context.Context, privateID, targetRoomID string, transferData map[string]any) (string, error) {
	d, err := s.Get(ctx, privateID)
	if err != nil {
		return "", err
	}

	token := uuid.NewString()
	now := s.now()

	d.TransferToken = token
	d.TransferExpiry = now.Add(TransferTTL).UnixMilli()
	d.TransferData = transferData
	d.LastRoomID = s.roomID
	if err := s.Put(ctx, privateID, d); err != nil {
		return "", err
	}

	meta := TransferMetadata{
		SourceRoomID: s.roomID,
		TargetRoomID: targetRoomID,
		Timestamp:    now.UnixMilli(),
		TransferID:   uuid.NewString(),
		PrivateID:    privateID,
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	if err := s.shared.Put(ctx, transferKey(token), raw); err != nil {
		return "", err
	}

	return token, nil
}

// ValidateTransfer checks a presented token against this room. On success it
// returns the private id and the session data held by the source room. Stale
// tokens are cleaned up eagerly and reported as ErrNotFound.
func (s *Store) ValidateTransfer(ctx context.Context, token, expectedTargetRoomID string) (string, *Data, error) {
	raw, err := s.shared.Get(ctx, transferKey(token))
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, err
	}

	var meta TransferMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return "", nil, fmt.Errorf("corrupt transfer record: %w", err)
	}

	if meta.TargetRoomID != expectedTargetRoomID {
		return "", nil, ErrNotFound
	}

	sourceKV := s.ns(meta.SourceRoomID)
	d, err := getSession(ctx, sourceKV, meta.PrivateID)
	if err != nil {
		return "", nil, err
	}

	// The session must still reference this token; a newer transfer
	// supersedes older tokens.
	if d.TransferToken != token {
		return "", nil, ErrNotFound
	}

	if d.TransferExpiry < s.now().UnixMilli() {
		_ = s.shared.Delete(ctx, transferKey(token))
		d.TransferToken = ""
		d.TransferExpiry = 0
		d.TransferData = nil
		_ = putSession(ctx, sourceKV, meta.PrivateID, d)
		return "", nil, ErrNotFound
	}

	return meta.PrivateID, d, nil
}

// CompleteTransfer adopts a validated session into this room: exactly one
// session record remains for the private id, located here, and the transfer
// record is gone. TransferData survives until the room has run its transfer
// hook; ClearTransferData drops it afterwards.
func (s *Store) CompleteTransfer(ctx context.Context, privateID string, d *Data) (*Data, error) {
	token := d.TransferToken
	sourceRoomID := d.LastRoomID

	adopted := &Data{
		PublicID:     d.PublicID,
		Created:      d.Created,
		Connected:    true,
		LastRoomID:   s.roomID,
		State:        d.State,
		TransferData: d.TransferData,
	}
	if err := s.Put(ctx, privateID, adopted); err != nil {
		return nil, err
	}

	if token != "" {
		if err := s.shared.Delete(ctx, transferKey(token)); err != nil {
			return nil, err
		}
	}

	// Cross-room transfers leave a residual source-side record.
	if sourceRoomID != "" && sourceRoomID != s.roomID {
		if err := s.ns(sourceRoomID).Delete(ctx, sessionKey(privateID)); err != nil {
			return nil, err
		}
	}

	return adopted, nil
}

// ClearTransferData removes the transfer payload after the room's transfer
// hook has consumed it.
func (s *Store) ClearTransferData(ctx context.Context, privateID string) error {
	d, err := s.Get(ctx, privateID)
	if err != nil {
		return err
	}
	d.TransferData = nil
	return s.Put(ctx, privateID, d)
}

// RoomID returns the owning room's id.
func (s *Store) RoomID() string { return s.roomID }
