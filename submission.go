package formguard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// ErrSubmissionNotFound is returned by a SubmissionStore for unknown ids.
var ErrSubmissionNotFound = errors.New("submission not found")

// FieldCipher protects individual string fields. *fieldcipher.Cipher
// satisfies it.
type FieldCipher interface {
	EncryptField(plaintext string) (string, error)
	DecryptField(payload string) (string, error)
}

// Submission is a stored contact-form entry. Email, Phone and Message hold
// encrypted payloads, never plaintext.
type Submission struct {
	ID        string
	Name      string
	Email     string
	Phone     string
	Message   string
	CreatedAt time.Time
}

// SubmissionStore persists submissions. Implementations must be safe for
// concurrent use.
type SubmissionStore interface {
	Save(ctx context.Context, s Submission) error
	Find(ctx context.Context, id string) (Submission, error)
}

// MemorySubmissions is a process-local SubmissionStore.
type MemorySubmissions struct {
	mu    sync.RWMutex
	items map[string]Submission
}

// NewMemorySubmissions returns an empty MemorySubmissions.
func NewMemorySubmissions() *MemorySubmissions {
	return &MemorySubmissions{items: make(map[string]Submission)}
}

// Save stores s, replacing any submission with the same ID.
func (m *MemorySubmissions) Save(_ context.Context, s Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[s.ID] = s
	return nil
}

// Find returns the submission with id or ErrSubmissionNotFound.
func (m *MemorySubmissions) Find(_ context.Context, id string) (Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.items[id]
	if !ok {
		return Submission{}, ErrSubmissionNotFound
	}
	return s, nil
}

type createSubmissionRequest struct {
	Name    string `json:"name" validate:"required,max=200"`
	Email   string `json:"email" validate:"required,email,max=254"`
	Phone   string `json:"phone" validate:"omitempty,e164"`
	Message string `json:"message" validate:"required,max=5000"`
}

type createSubmissionResponse struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// SubmissionView is the decrypted form of a Submission.
type SubmissionView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Submissions accepts contact-form entries and serves them back to
// administrators. Sensitive fields are encrypted before they reach the store.
type Submissions struct {
	cipher FieldCipher
	store  SubmissionStore
	now    func() time.Time
	newID  func() string
}

// NewSubmissions wires the handlers to a cipher and a store.
func NewSubmissions(c FieldCipher, st SubmissionStore) *Submissions {
	return &Submissions{
		cipher: c,
		store:  st,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Create handles POST: validate, encrypt email, phone and message, store.
// Answers 201 {"id", "created_at"}. Nothing is stored if any field fails to
// encrypt.
func (s *Submissions) Create(_ http.ResponseWriter, r *http.Request) {
	var req createSubmissionRequest
	if !JSON(r, &req) {
		return
	}

	sub := Submission{
		ID:        s.newID(),
		Name:      req.Name,
		CreatedAt: s.now().UTC(),
	}

	fields := []struct {
		name string
		in   string
		out  *string
	}{
		{"email", req.Email, &sub.Email},
		{"phone", req.Phone, &sub.Phone},
		{"message", req.Message, &sub.Message},
	}
	for _, f := range fields {
		enc, err := s.cipher.EncryptField(f.in)
		if err != nil {
			fail(r, fmt.Errorf("encrypt %s: %w", f.name, err))
			return
		}
		*f.out = enc
	}

	if err := s.store.Save(r.Context(), sub); err != nil {
		fail(r, fmt.Errorf("save submission: %w", err))
		return
	}

	logInfo(r.Context(), "submission_id", sub.ID)
	SetResponse(r, http.StatusCreated, createSubmissionResponse{ID: sub.ID, CreatedAt: sub.CreatedAt})
}

// Get handles GET /{id}. The read fails as a whole if any stored field
// cannot be decrypted; partial records are never returned.
func (s *Submissions) Get(_ http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		SetError(r, ErrNotFound.With("Submission not found"))
		return
	}

	sub, err := s.store.Find(r.Context(), id)
	if errors.Is(err, ErrSubmissionNotFound) {
		SetError(r, ErrNotFound.With("Submission not found"))
		return
	}
	if err != nil {
		fail(r, fmt.Errorf("find submission: %w", err))
		return
	}

	view := SubmissionView{ID: sub.ID, Name: sub.Name, CreatedAt: sub.CreatedAt}
	fields := []struct {
		name string
		in   string
		out  *string
	}{
		{"email", sub.Email, &view.Email},
		{"phone", sub.Phone, &view.Phone},
		{"message", sub.Message, &view.Message},
	}
	for _, f := range fields {
		dec, err := s.cipher.DecryptField(f.in)
		if err != nil {
			fail(r, fmt.Errorf("submission %s: decrypt %s: %w", id, f.name, err))
			return
		}
		*f.out = dec
	}

	SetResponse(r, http.StatusOK, view)
}
