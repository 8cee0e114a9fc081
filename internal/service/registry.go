package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/punchamoorthee/libraryops/internal/domain"
	"github.com/punchamoorthee/libraryops/internal/store"
)

// StudentActive is the status every newly registered student starts with.
const StudentActive = "active"

type RegisterStudentInput struct {
	StudentID     string
	FirstName     string
	MiddleName    string
	LastName      string
	ContactNumber string
	Course        string
	YearLevel     int
}

// RegistryService keeps the student records the engine borrows against.
type RegistryService struct {
	store store.Store
	settings
}

func NewRegistryService(s store.Store, opts ...Option) *RegistryService {
	return &RegistryService{store: s, settings: newSettings(opts)}
}

func (s *RegistryService) RegisterStudent(ctx context.Context, in RegisterStudentInput) (domain.Student, error) {
	in.StudentID = strings.TrimSpace(in.StudentID)
	if in.StudentID == "" || strings.TrimSpace(in.FirstName) == "" || strings.TrimSpace(in.LastName) == "" {
		return domain.Student{}, fmt.Errorf("%w: student id and name are required", ErrValidation)
	}

	st := domain.Student{
		ID:            uuid.New(),
		StudentID:     in.StudentID,
		FirstName:     in.FirstName,
		MiddleName:    in.MiddleName,
		LastName:      in.LastName,
		ContactNumber: strings.TrimSpace(in.ContactNumber),
		Course:        in.Course,
		YearLevel:     in.YearLevel,
		Status:        StudentActive,
		CreatedAt:     s.now(),
	}

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertStudent(ctx, st)
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return domain.Student{}, fmt.Errorf("%w: student %s", ErrDuplicate, in.StudentID)
		}
		return domain.Student{}, err
	}
	return st, nil
}

func (s *RegistryService) GetStudent(ctx context.Context, studentID string) (domain.Student, error) {
	st, err := s.store.GetStudent(ctx, studentID)
	if err != nil {
		return domain.Student{}, fmt.Errorf("student %s: %w", studentID, err)
	}
	return st, nil
}

func (s *RegistryService) ListStudents(ctx context.Context) ([]domain.Student, error) {
	return s.store.ListStudents(ctx)
}

// UpdateContact changes the number notifications are sent to.
func (s *RegistryService) UpdateContact(ctx context.Context, studentID, contact string) (domain.Student, error) {
	contact = strings.TrimSpace(contact)
	if contact == "" {
		return domain.Student{}, fmt.Errorf("%w: contact number is required", ErrValidation)
	}

	var updated domain.Student
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		st, err := tx.LockStudent(ctx, studentID)
		if err != nil {
			return fmt.Errorf("student %s: %w", studentID, err)
		}
		st.ContactNumber = contact
		if err := tx.UpdateStudent(ctx, st); err != nil {
			return err
		}
		updated = st
		return nil
	})
	return updated, err
}
