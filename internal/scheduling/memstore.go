package scheduling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/medlar/approvals/model"
)

// MemoryDirectory is an in-memory ProviderDirectory.
type MemoryDirectory struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewMemoryDirectory creates an empty in-memory provider directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{providers: make(map[string]Provider)}
}

// Put adds or replaces a provider.
func (d *MemoryDirectory) Put(p Provider) {
	d.mu.Lock()
	d.providers[p.ID] = p
	d.mu.Unlock()
}

// ProvidersBySpecialty lists providers matching the specialty.
func (d *MemoryDirectory) ProvidersBySpecialty(_ context.Context, specialty string) ([]Provider, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []Provider
	for _, p := range d.providers {
		if p.Specialty == specialty {
			out = append(out, p)
		}
	}
	return out, nil
}

// MemoryBook is an in-memory AppointmentBook.
type MemoryBook struct {
	mu           sync.RWMutex
	appointments []Appointment
}

// NewMemoryBook creates an empty in-memory appointment book.
func NewMemoryBook() *MemoryBook {
	return &MemoryBook{}
}

// Occupied reports whether the provider has a non-cancelled appointment at
// the exact timestamp.
func (b *MemoryBook) Occupied(_ context.Context, providerID string, at time.Time) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, appt := range b.appointments {
		if appt.ProviderID == providerID && appt.StartsAt.Equal(at) && appt.Status != AppointmentCancelled {
			return true, nil
		}
	}
	return false, nil
}

// Book appends an appointment.
func (b *MemoryBook) Book(_ context.Context, appt Appointment) error {
	b.mu.Lock()
	b.appointments = append(b.appointments, appt)
	b.mu.Unlock()
	return nil
}

// Appointments returns a copy of all booked appointments.
func (b *MemoryBook) Appointments() []Appointment {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Appointment, len(b.appointments))
	copy(out, b.appointments)
	return out
}

// MemorySolicitations is an in-memory SolicitationStore.
type MemorySolicitations struct {
	mu            sync.RWMutex
	solicitations map[string]Solicitation
}

// NewMemorySolicitations creates an empty in-memory solicitation store.
func NewMemorySolicitations() *MemorySolicitations {
	return &MemorySolicitations{solicitations: make(map[string]Solicitation)}
}

// Put adds or replaces a solicitation.
func (s *MemorySolicitations) Put(sol Solicitation) {
	s.mu.Lock()
	s.solicitations[sol.ID] = sol
	s.mu.Unlock()
}

// Get retrieves a solicitation by ID.
func (s *MemorySolicitations) Get(_ context.Context, solicitationID string) (Solicitation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sol, ok := s.solicitations[solicitationID]
	if !ok {
		return Solicitation{}, model.NewNotFoundError(
			fmt.Sprintf("solicitation %q not found", solicitationID),
		)
	}
	return sol, nil
}

// SetStatus updates a solicitation's scheduling status.
func (s *MemorySolicitations) SetStatus(_ context.Context, solicitationID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sol, ok := s.solicitations[solicitationID]
	if !ok {
		return model.NewNotFoundError(
			fmt.Sprintf("solicitation %q not found", solicitationID),
		)
	}
	sol.Status = status
	s.solicitations[solicitationID] = sol
	return nil
}
