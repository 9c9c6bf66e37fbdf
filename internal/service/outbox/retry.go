package outbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

// MinRetryDelay — нижняя граница шага задержки: задача с неудачной попыткой
// не должна снова стать готовой в том же цикле ProcessOnce.
const MinRetryDelay = time.Second

// Коды guardrail жизненного цикла арендуемой задачи (outbox и remediation).
const (
	GuardrailJobAttemptStarted = "billing.job_attempt_started"
	GuardrailJobAttemptFailed  = "billing.job_attempt_failed"
	GuardrailJobDeadLetter     = "billing.job_dead_letter"
	GuardrailJobFailed         = "billing.job_failed"
	GuardrailJobLeaseFenced    = "billing.job_lease_fenced"
)

// RetryPolicy задает линейный график повторов арендуемых задач.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.Delay < MinRetryDelay {
		p.Delay = MinRetryDelay
	}
	return p
}

// Next решает судьбу задачи после неудачной попытки номер attemptCount:
// dead letter ровно при attemptCount >= MaxAttempts, иначе повтор в now + attemptCount*Delay.
func (p RetryPolicy) Next(attemptCount int, now time.Time) (deadLetter bool, availableAt time.Time) {
	p = p.normalized()
	if attemptCount >= p.MaxAttempts {
		return true, time.Time{}
	}
	return false, now.Add(time.Duration(attemptCount) * p.Delay)
}

// Permanent помечает ошибку как неустранимую повтором.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", domain.ErrPermanentJob, err)
}

// IsPermanent сообщает, что задачу не нужно повторять.
func IsPermanent(err error) bool {
	return errors.Is(err, domain.ErrPermanentJob)
}
