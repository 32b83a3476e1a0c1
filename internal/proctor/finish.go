package proctor

import (
	"context"
	"fmt"
)

// finishLocked moves an Active session to Submitting. It reports false when the
// session already left Active, so concurrent triggers collapse to one.
func (c *Controller) finishLocked(reason FinishReason) bool {
	if !c.activeLocked() {
		return false
	}

	c.lifecycle = LifecycleSubmitting
	c.reason = reason

	// Signal dispatch and ticks stop before any I/O is started.
	c.stopTasksLocked()
	c.accumulateTimeLocked()
	c.releaseHandlesLocked()

	records := c.recordsLocked()
	answered := percent(c.answeredLocked(), len(c.questions))

	c.log.Info().
		Str("reason", string(reason)).
		Int("warnings", c.warnings).
		Int("answers", len(records)).
		Int("answered_percent", answered).
		Msg("Submitting session")

	if reason != ReasonManual {
		c.noticeLocked(Notice{
			Kind:            NoticeAutoSubmit,
			Reason:          reason,
			AnsweredPercent: answered,
			Message:         autoSubmitMessage(reason, answered),
		})
	}
	c.emitStateLocked()

	go c.runSubmission(records)
	return true
}

// runSubmission flushes every record, then issues the final submit. The session
// reaches Locked whatever happens here.
func (c *Controller) runSubmission(records []AnswerRecord) {
	var (
		result *SubmitResult
		err    error
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("submission panicked: %v", r)
		}
		c.lock(result, err)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), c.policy.SubmitTimeout)
	defer cancel()

	if c.remote == nil {
		err = fmt.Errorf("submit attempt %s: no remote configured", c.sessionID)
		return
	}

	// Earlier pushes land first so none of them can overwrite the final values.
	if werr := c.answerQ.wait(ctx); werr != nil {
		c.log.Warn().Err(werr).Msg("Pending answer pushes did not finish before the final flush")
	}

	for _, rec := range records {
		if perr := c.remote.PushAnswer(ctx, c.sessionID, rec); perr != nil {
			c.log.Warn().Err(perr).Str("question_id", rec.QuestionID).Msg("Final answer flush failed, skipping")
		}
	}

	result, err = c.remote.Submit(ctx, c.sessionID)
}

func (c *Controller) lock(result *SubmitResult, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lifecycle == LifecycleLocked {
		return
	}
	c.lifecycle = LifecycleLocked
	c.result = result
	c.submitErr = err

	if c.drafts != nil {
		c.drafts.Clear(context.Background(), c.quizID)
	}

	if err != nil {
		c.log.Error().Err(err).Msg("Submission failed, session locked")
		c.noticeLocked(Notice{
			Kind:    NoticeSubmitFailed,
			Reason:  c.reason,
			Message: "Your exam could not be submitted. Please contact your proctor.",
		})
	} else {
		c.log.Info().Str("reason", string(c.reason)).Msg("Session submitted and locked")
		c.noticeLocked(Notice{
			Kind:    NoticeSubmitted,
			Reason:  c.reason,
			Result:  result,
			Message: "Your exam has been submitted.",
		})
	}

	c.emitStateLocked()
	close(c.done)
}

func autoSubmitMessage(reason FinishReason, answered int) string {
	switch reason {
	case ReasonTimeUp:
		return fmt.Sprintf("Time is up. Submitting your exam (%d%% answered).", answered)
	case ReasonMaxWarnings:
		return fmt.Sprintf("Too many integrity warnings. Submitting your exam (%d%% answered).", answered)
	case ReasonFaceAbsent:
		return fmt.Sprintf("No face detected for too long. Submitting your exam (%d%% answered).", answered)
	}
	return fmt.Sprintf("Submitting your exam (%d%% answered).", answered)
}
