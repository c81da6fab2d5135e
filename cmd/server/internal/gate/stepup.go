package gate

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
)

const (
	backupCodeCount = 10
	// Unconfirmed enrollments are discarded after this long.
	enrollmentTTL = 10 * time.Minute
)

var (
	ErrNotEnrolled        = errors.New("no confirmed step-up enrollment")
	ErrEnrollmentExpired  = errors.New("enrollment expired, start again")
	ErrAlreadyEnrolled    = errors.New("step-up already confirmed")
	ErrInvalidStepUpCode  = errors.New("invalid step-up code")
	ErrEnrollmentNotFound = errors.New("no pending enrollment")
)

// Enrollment is returned from BeginEnrollment. BackupCodes are shown
// once and stored only as hashes.
type Enrollment struct {
	Secret      string   `json:"secret"`
	URL         string   `json:"otpauth_url"`
	BackupCodes []string `json:"backup_codes"`
}

type enrollmentState struct {
	secret      string
	confirmed   bool
	backupCodes map[string]bool // sha256 hex -> used
	createdAt   time.Time
}

// StepUp manages TOTP secrets for the destructive-operation challenge.
// Only a confirmed secret gates anything; an enrollment that is never
// confirmed expires and leaves the actor un-enrolled.
type StepUp struct {
	mu     sync.Mutex
	issuer string
	states map[string]*enrollmentState

	now func() time.Time
}

func NewStepUp(issuer string) *StepUp {
	if issuer == "" {
		issuer = "prompt-vault"
	}
	return &StepUp{
		issuer: issuer,
		states: make(map[string]*enrollmentState),
		now:    time.Now,
	}
}

// BeginEnrollment generates a fresh secret and backup codes for the
// actor. Restarting enrollment before confirmation replaces the
// pending secret; a confirmed enrollment cannot be silently replaced.
func (s *StepUp) BeginEnrollment(actorID, accountName string) (*Enrollment, error) {
	if actorID == "" {
		return nil, errors.New("actor id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.states[actorID]; ok && st.confirmed {
		return nil, ErrAlreadyEnrolled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: accountName,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}

	codes := make([]string, backupCodeCount)
	hashes := make(map[string]bool, backupCodeCount)
	for i := range codes {
		code, err := randomBackupCode()
		if err != nil {
			return nil, err
		}
		codes[i] = code
		hashes[hashCode(code)] = false
	}

	s.states[actorID] = &enrollmentState{
		secret:      key.Secret(),
		backupCodes: hashes,
		createdAt:   s.now(),
	}

	return &Enrollment{Secret: key.Secret(), URL: key.URL(), BackupCodes: codes}, nil
}

// ConfirmEnrollment promotes a pending enrollment after the actor
// proves possession of the secret with a valid code.
func (s *StepUp) ConfirmEnrollment(actorID, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[actorID]
	if !ok {
		return ErrEnrollmentNotFound
	}
	if st.confirmed {
		return ErrAlreadyEnrolled
	}
	if s.now().Sub(st.createdAt) > enrollmentTTL {
		delete(s.states, actorID)
		return ErrEnrollmentExpired
	}
	if !totp.Validate(code, st.secret) {
		return ErrInvalidStepUpCode
	}
	st.confirmed = true
	return nil
}

// Confirmed reports whether the actor has a confirmed secret.
func (s *StepUp) Confirmed(actorID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[actorID]
	return ok && st.confirmed
}

// Verify checks a TOTP code, falling back to single-use backup codes.
func (s *StepUp) Verify(actorID, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[actorID]
	if !ok || !st.confirmed {
		return ErrNotEnrolled
	}
	if totp.Validate(code, st.secret) {
		return nil
	}
	h := hashCode(code)
	if used, ok := st.backupCodes[h]; ok && !used {
		st.backupCodes[h] = true
		return nil
	}
	return ErrInvalidStepUpCode
}

func randomBackupCode() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate backup code: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
