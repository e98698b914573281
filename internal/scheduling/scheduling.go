// Package scheduling books appointments for approved scheduling exceptions
// and runs the automatic fallback attempt when an exception is rejected.
package scheduling

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medlar/approvals/model"
)

// Provider is a network provider eligible for appointment bookings.
type Provider struct {
	ID        string
	Name      string
	Specialty string
	Cost      float64
	Rating    float64
	Active    bool
}

// Appointment statuses.
const (
	AppointmentBooked    = "booked"
	AppointmentCancelled = "cancelled"
)

// Appointment is a booked slot at a provider.
type Appointment struct {
	ID             string
	SolicitationID string
	ProviderID     string
	StartsAt       time.Time
	Status         string
	CreatedAt      time.Time
}

// Solicitation statuses.
const (
	SolicitationOpen      = "open"
	SolicitationScheduled = "scheduled"
	SolicitationFailed    = "scheduling_failed"
)

// Solicitation is the patient request a scheduling exception refers to.
type Solicitation struct {
	ID        string
	Specialty string
	Status    string
}

// ProviderDirectory lists providers eligible for fallback selection.
type ProviderDirectory interface {
	ProvidersBySpecialty(ctx context.Context, specialty string) ([]Provider, error)
}

// AppointmentBook persists appointments and answers slot occupancy.
type AppointmentBook interface {
	// Occupied reports whether the provider already has a non-cancelled
	// appointment at the exact timestamp.
	Occupied(ctx context.Context, providerID string, at time.Time) (bool, error)

	Book(ctx context.Context, appt Appointment) error
}

// SolicitationStore reads and updates solicitation scheduling status.
type SolicitationStore interface {
	Get(ctx context.Context, solicitationID string) (Solicitation, error)
	SetStatus(ctx context.Context, solicitationID, status string) error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Service implements provider fallback selection and slot assignment.
type Service struct {
	directory     ProviderDirectory
	book          AppointmentBook
	solicitations SolicitationStore
	clock         Clock
	logger        *zap.Logger
}

// NewService creates a scheduling service.
func NewService(
	directory ProviderDirectory,
	book AppointmentBook,
	solicitations SolicitationStore,
	clock Clock,
	logger *zap.Logger,
) *Service {
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		directory:     directory,
		book:          book,
		solicitations: solicitations,
		clock:         clock,
		logger:        logger,
	}
}

// FindFallback picks the best alternative provider for the solicitation's
// specialty, excluding the provider whose exception was rejected. Best means
// lowest cost, then highest rating, then lexicographically smallest ID, so
// the choice is deterministic. Returns NO_SLOT_AVAILABLE when no candidate
// remains.
func (s *Service) FindFallback(ctx context.Context, solicitationID, excludeProviderID string) (Provider, error) {
	sol, err := s.solicitations.Get(ctx, solicitationID)
	if err != nil {
		return Provider{}, err
	}

	candidates, err := s.directory.ProvidersBySpecialty(ctx, sol.Specialty)
	if err != nil {
		return Provider{}, fmt.Errorf("list providers for specialty %q: %w", sol.Specialty, err)
	}

	eligible := candidates[:0]
	for _, p := range candidates {
		if p.Active && p.ID != excludeProviderID {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		return Provider{}, model.NewNoSlotAvailableError(
			fmt.Sprintf("no fallback provider available for specialty %q", sol.Specialty),
		)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Cost != eligible[j].Cost {
			return eligible[i].Cost < eligible[j].Cost
		}
		if eligible[i].Rating != eligible[j].Rating {
			return eligible[i].Rating > eligible[j].Rating
		}
		return eligible[i].ID < eligible[j].ID
	})
	return eligible[0], nil
}

// AssignSlot books the first free slot for the provider, probing the
// preferred start, then one hour later, then the same time the next day.
// Returns NO_SLOT_AVAILABLE when all three are taken.
func (s *Service) AssignSlot(ctx context.Context, solicitationID, providerID string, preferred time.Time) (Appointment, error) {
	probes := []time.Time{
		preferred,
		preferred.Add(time.Hour),
		preferred.Add(24 * time.Hour),
	}

	for _, at := range probes {
		taken, err := s.book.Occupied(ctx, providerID, at)
		if err != nil {
			return Appointment{}, fmt.Errorf("check slot occupancy: %w", err)
		}
		if taken {
			continue
		}

		appt := Appointment{
			ID:             uuid.New().String(),
			SolicitationID: solicitationID,
			ProviderID:     providerID,
			StartsAt:       at,
			Status:         AppointmentBooked,
			CreatedAt:      s.clock.Now(),
		}
		if err := s.book.Book(ctx, appt); err != nil {
			return Appointment{}, fmt.Errorf("book appointment: %w", err)
		}
		if err := s.solicitations.SetStatus(ctx, solicitationID, SolicitationScheduled); err != nil {
			return Appointment{}, err
		}
		return appt, nil
	}

	return Appointment{}, model.NewNoSlotAvailableError(
		fmt.Sprintf("provider %q has no free slot near %s", providerID, preferred.Format(time.RFC3339)),
	)
}

// BookException books the exception's own chosen provider on approval.
func (s *Service) BookException(ctx context.Context, solicitationID, providerID string, preferred time.Time) error {
	appt, err := s.AssignSlot(ctx, solicitationID, providerID, preferred)
	if err != nil {
		return err
	}
	s.logger.Info("booked exception appointment",
		zap.String("solicitation_id", solicitationID),
		zap.String("provider_id", providerID),
		zap.Time("starts_at", appt.StartsAt),
	)
	return nil
}

// ResolveFallback runs the full automatic fallback: find the best alternative
// provider and book a slot. When no provider or slot exists, the solicitation
// is marked failed and the rejection still succeeds.
func (s *Service) ResolveFallback(ctx context.Context, solicitationID, excludeProviderID string, preferred time.Time) error {
	provider, err := s.FindFallback(ctx, solicitationID, excludeProviderID)
	if err != nil {
		if model.CodeOf(err) == model.ErrNoSlotAvailable {
			return s.markFailed(ctx, solicitationID, "no fallback provider")
		}
		return err
	}

	appt, err := s.AssignSlot(ctx, solicitationID, provider.ID, preferred)
	if err != nil {
		if model.CodeOf(err) == model.ErrNoSlotAvailable {
			return s.markFailed(ctx, solicitationID, "no free slot at fallback provider")
		}
		return err
	}

	s.logger.Info("fallback appointment booked",
		zap.String("solicitation_id", solicitationID),
		zap.String("provider_id", provider.ID),
		zap.Time("starts_at", appt.StartsAt),
	)
	return nil
}

func (s *Service) markFailed(ctx context.Context, solicitationID, reason string) error {
	s.logger.Warn("fallback scheduling failed",
		zap.String("solicitation_id", solicitationID),
		zap.String("reason", reason),
	)
	return s.solicitations.SetStatus(ctx, solicitationID, SolicitationFailed)
}
