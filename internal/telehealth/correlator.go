// Package telehealth binds external video rooms to telehealth appointments.
// Room and token mechanics live with the video provider; this package only
// supplies stable identities, the per-appointment room handle and a TTL.
package telehealth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinicore/scheduling/internal/scheduling"
)

var (
	ErrNotTelehealth        = errors.New("appointment is not a telehealth session")
	ErrAppointmentNotActive = errors.New("appointment is no longer active")
)

const (
	tokenBuffer = 30 * time.Minute
	minTokenTTL = time.Hour
	maxTokenTTL = 4 * time.Hour
)

// RoomProvider is the external video collaborator. CreateRoom is idempotent
// by name on the provider side.
type RoomProvider interface {
	CreateRoom(ctx context.Context, name string) (string, error)
	MintToken(ctx context.Context, identity, room string, ttl time.Duration) (string, error)
}

// Store is the slice of the scheduling repository the correlator needs.
type Store interface {
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*scheduling.Appointment, error)
	BindVideoRoom(ctx context.Context, appointmentID uuid.UUID, handle string) (string, error)
}

type RoomBinding struct {
	Handle   string
	TokenTTL time.Duration
}

type RoomToken struct {
	Handle    string
	Token     string
	ExpiresIn time.Duration
}

type Correlator struct {
	provider RoomProvider
	store    Store
	log      *zap.Logger
}

func NewCorrelator(provider RoomProvider, store Store, log *zap.Logger) *Correlator {
	return &Correlator{
		provider: provider,
		store:    store,
		log:      log,
	}
}

// TokenTTL sizes the access token so it outlives the scheduled session
// without mid-call refresh: duration plus a buffer, at least an hour, capped
// at four hours.
func TokenTTL(duration time.Duration) time.Duration {
	ttl := duration + tokenBuffer
	if ttl < minTokenTTL {
		ttl = minTokenTTL
	}
	if ttl > maxTokenTTL {
		ttl = maxTokenTTL
	}
	return ttl
}

// RoomName is the provider-side idempotency key for an appointment's room.
func RoomName(appointmentID uuid.UUID) string {
	return "appt-" + appointmentID.String()
}

// EnsureRoom idempotently binds one room handle to the appointment. Repeated
// calls, including concurrent ones, converge on the same handle.
func (c *Correlator) EnsureRoom(ctx context.Context, appointmentID uuid.UUID) (*RoomBinding, error) {
	appt, err := c.store.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if appt.SessionType != scheduling.SessionTelehealth {
		return nil, ErrNotTelehealth
	}
	if !appt.Status.Active() {
		return nil, ErrAppointmentNotActive
	}

	ttl := TokenTTL(appt.Duration())

	if appt.VideoRoomHandle != nil {
		return &RoomBinding{Handle: *appt.VideoRoomHandle, TokenTTL: ttl}, nil
	}

	handle, err := c.provider.CreateRoom(ctx, RoomName(appt.ID))
	if err != nil {
		return nil, fmt.Errorf("create video room: %w", err)
	}

	stored, err := c.store.BindVideoRoom(ctx, appt.ID, handle)
	if err != nil {
		return nil, err
	}
	if stored != handle {
		// Lost a bind race; the provider-side room for our name is orphaned
		// but harmless since rooms are idempotent by name.
		c.log.Debug("video room bind race resolved",
			zap.String("appointment_id", appt.ID.String()),
			zap.String("stored_handle", stored),
		)
	}

	return &RoomBinding{Handle: stored, TokenTTL: ttl}, nil
}

// AccessToken ensures the room exists and mints a join token for the given
// participant identity.
func (c *Correlator) AccessToken(ctx context.Context, appointmentID uuid.UUID, identity string) (*RoomToken, error) {
	binding, err := c.EnsureRoom(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	token, err := c.provider.MintToken(ctx, identity, binding.Handle, binding.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("mint video token: %w", err)
	}

	return &RoomToken{
		Handle:    binding.Handle,
		Token:     token,
		ExpiresIn: binding.TokenTTL,
	}, nil
}
