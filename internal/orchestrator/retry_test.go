package orchestrator

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lucidnotes/doc-pipeline/internal/common"
	"github.com/lucidnotes/doc-pipeline/internal/entity"
)

func TestDecide_PermanentFailureNeverRetries(t *testing.T) {
	p := DefaultRetryPolicy()
	job := &entity.Job{AttemptCount: 1, MaxAttempts: 5}

	d := p.Decide(job, common.Permanentf("corrupt input"))
	assert.False(t, d.Retry)
}

func TestDecide_TransientFailureRetriesUntilCeiling(t *testing.T) {
	p := RetryPolicy{Base: 2 * time.Second, MaxDelay: 2 * time.Minute}
	transient := common.Transientf("flaky")

	for attempts := 1; attempts < 5; attempts++ {
		d := p.Decide(&entity.Job{AttemptCount: attempts, MaxAttempts: 5}, transient)
		assert.True(t, d.Retry, "attempt %d of 5 must retry", attempts)
	}

	d := p.Decide(&entity.Job{AttemptCount: 5, MaxAttempts: 5}, transient)
	assert.False(t, d.Retry, "ceiling reached, must abandon")
}

func TestDecide_UnclassifiedErrorTreatedAsTransient(t *testing.T) {
	p := DefaultRetryPolicy()
	d := p.Decide(&entity.Job{AttemptCount: 1, MaxAttempts: 5}, errors.New("something odd"))
	assert.True(t, d.Retry)
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	p := RetryPolicy{Base: 2 * time.Second, MaxDelay: 2 * time.Minute}
	transient := common.Transientf("flaky")

	delays := []time.Duration{
		p.Decide(&entity.Job{AttemptCount: 1, MaxAttempts: 10}, transient).After,
		p.Decide(&entity.Job{AttemptCount: 2, MaxAttempts: 10}, transient).After,
		p.Decide(&entity.Job{AttemptCount: 3, MaxAttempts: 10}, transient).After,
	}
	assert.Equal(t, 4*time.Second, delays[0])
	assert.Equal(t, 8*time.Second, delays[1])
	assert.Equal(t, 16*time.Second, delays[2])

	d := p.Decide(&entity.Job{AttemptCount: 9, MaxAttempts: 20}, transient)
	assert.Equal(t, 2*time.Minute, d.After, "backoff must cap at MaxDelay")
}
