package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Name identifies one of the fixed work queues.
type Name string

const (
	AdNetworkPublish  Name = "ad-network-publish"
	MessagingSend     Name = "messaging-send"
	ContentGeneration Name = "content-generation"
	ReEngagement      Name = "re-engagement"
)

func Names() []Name {
	return []Name{AdNetworkPublish, MessagingSend, ContentGeneration, ReEngagement}
}

func (n Name) Valid() bool {
	switch n {
	case AdNetworkPublish, MessagingSend, ContentGeneration, ReEngagement:
		return true
	}
	return false
}

// Payload is the closed set of job bodies. Each concrete type belongs to
// exactly one queue.
type Payload interface {
	Queue() Name
	isPayload()
}

type AdPublishPayload struct {
	TenantID   string `json:"tenant_id"`
	CampaignID string `json:"campaign_id"`
}

type MessagingSendPayload struct {
	TenantID   string `json:"tenant_id"`
	CampaignID string `json:"campaign_id"`
}

type ContentGenerationPayload struct {
	TenantID   string `json:"tenant_id"`
	CampaignID string `json:"campaign_id"`
}

type ReEngagementPayload struct {
	TenantID   string `json:"tenant_id"`
	CampaignID string `json:"campaign_id"`
	// Message overrides the campaign body when set.
	Message string `json:"message,omitempty"`
}

func (AdPublishPayload) Queue() Name         { return AdNetworkPublish }
func (MessagingSendPayload) Queue() Name     { return MessagingSend }
func (ContentGenerationPayload) Queue() Name { return ContentGeneration }
func (ReEngagementPayload) Queue() Name      { return ReEngagement }

func (AdPublishPayload) isPayload()         {}
func (MessagingSendPayload) isPayload()     {}
func (ContentGenerationPayload) isPayload() {}
func (ReEngagementPayload) isPayload()      {}

// Policy controls redelivery of a failing job.
type Policy struct {
	MaxAttempts    int           `json:"max_attempts"`
	InitialBackoff time.Duration `json:"initial_backoff"`
	Multiplier     float64       `json:"multiplier"`
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, InitialBackoff: time.Second, Multiplier: 2}
}

// Backoff is the delay before redelivering after the given (1-based) attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	m := p.Multiplier
	if m < 1 {
		m = 1
	}
	return time.Duration(float64(p.InitialBackoff) * math.Pow(m, float64(attempt-1)))
}

type Job struct {
	ID         string
	Queue      Name
	Payload    Payload
	Policy     Policy
	Attempt    int // deliveries so far, including the current one
	EnqueuedAt time.Time
	LastError  string
}

func NewJob(p Payload, policy Policy) Job {
	if policy.MaxAttempts < 1 {
		policy = DefaultPolicy()
	}
	return Job{
		ID:         uuid.NewString(),
		Queue:      p.Queue(),
		Payload:    p,
		Policy:     policy,
		EnqueuedAt: time.Now().UTC(),
	}
}

// FinalAttempt reports whether a failure now sends the job to the failed set.
func (j Job) FinalAttempt() bool {
	return j.Attempt >= j.Policy.MaxAttempts
}

// FailedJob is a job that exhausted its attempts, kept for inspection.
type FailedJob struct {
	Job      Job       `json:"job"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

type envelope struct {
	ID         string          `json:"id"`
	Queue      Name            `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	Policy     Policy          `json:"policy"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	LastError  string          `json:"last_error,omitempty"`
}

func (j Job) MarshalJSON() ([]byte, error) {
	if j.Payload == nil {
		return nil, fmt.Errorf("job %s has no payload", j.ID)
	}
	if j.Payload.Queue() != j.Queue {
		return nil, fmt.Errorf("payload %T does not belong on queue %q", j.Payload, j.Queue)
	}
	raw, err := json.Marshal(j.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		ID:         j.ID,
		Queue:      j.Queue,
		Payload:    raw,
		Policy:     j.Policy,
		Attempt:    j.Attempt,
		EnqueuedAt: j.EnqueuedAt,
		LastError:  j.LastError,
	})
}

func (j *Job) UnmarshalJSON(b []byte) error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	var p Payload
	switch env.Queue {
	case AdNetworkPublish:
		var v AdPublishPayload
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return err
		}
		p = v
	case MessagingSend:
		var v MessagingSendPayload
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return err
		}
		p = v
	case ContentGeneration:
		var v ContentGenerationPayload
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return err
		}
		p = v
	case ReEngagement:
		var v ReEngagementPayload
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return err
		}
		p = v
	default:
		return fmt.Errorf("unknown queue %q", env.Queue)
	}
	*j = Job{
		ID:         env.ID,
		Queue:      env.Queue,
		Payload:    p,
		Policy:     env.Policy,
		Attempt:    env.Attempt,
		EnqueuedAt: env.EnqueuedAt,
		LastError:  env.LastError,
	}
	return nil
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error that must not be redelivered.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type deferredError struct {
	err   error
	after time.Duration
}

func (e *deferredError) Error() string { return e.err.Error() }
func (e *deferredError) Unwrap() error { return e.err }

// Defer asks for the job to be redelivered after the given delay without
// counting the delivery against its attempts.
func Defer(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &deferredError{err: err, after: after}
}

func IsDeferred(err error) bool {
	var d *deferredError
	return errors.As(err, &d)
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeRetry
	outcomeFail
)

// settle decides what happens to a delivered job after its handler returned.
func settle(job *Job, err error) (outcome, time.Duration) {
	if err == nil {
		return outcomeDone, 0
	}
	job.LastError = err.Error()
	var d *deferredError
	if errors.As(err, &d) && !IsPermanent(err) {
		job.Attempt--
		return outcomeRetry, d.after
	}
	if IsPermanent(err) || job.FinalAttempt() {
		return outcomeFail, 0
	}
	return outcomeRetry, job.Policy.Backoff(job.Attempt)
}
