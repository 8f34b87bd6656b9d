package patient

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/dental-scheduling/internal/db"
)

// MemoryDirectory is an in-process Directory for tests and local runs.
type MemoryDirectory struct {
	mu       sync.RWMutex
	patients map[uuid.UUID]Patient
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{patients: make(map[uuid.UUID]Patient)}
}

func (d *MemoryDirectory) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (d *MemoryDirectory) FindByEmail(_ context.Context, email string) (*Patient, error) {
	email = NormalizeEmail(email)

	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, p := range d.patients {
		if p.Email != nil && NormalizeEmail(*p.Email) == email {
			return &p, nil
		}
	}
	return nil, ErrPatientNotFound
}

func (d *MemoryDirectory) Create(ctx context.Context, np NewPatient) (*Patient, error) {
	now := time.Now().UTC()
	p := Patient{
		ID:         uuid.New(),
		FirstName:  np.FirstName,
		LastName:   np.LastName,
		DocumentID: np.DocumentID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if np.Email != "" {
		email := np.Email
		p.Email = &email
	}
	if np.Phone != "" {
		phone := np.Phone
		p.Phone = &phone
	}

	d.mu.Lock()
	d.patients[p.ID] = p
	d.mu.Unlock()
	db.OnRollback(ctx, func() { d.Delete(p.ID) })

	return &p, nil
}

func (d *MemoryDirectory) Delete(id uuid.UUID) {
	d.mu.Lock()
	delete(d.patients, id)
	d.mu.Unlock()
}

func (d *MemoryDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.patients)
}
