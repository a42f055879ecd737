package orchestrator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rvasily/cloudchat/internal/domain"
)

// askActiveLocked poses the front question of the queue.
func (c *Conversation) askActiveLocked() {
	q := c.sess.ActiveQuestion()
	if q == nil {
		return
	}
	prompt := q.Prompt
	if len(q.Options) > 0 {
		prompt += " Options: " + strings.Join(q.Options, ", ") + "."
	}
	if q.Hint != "" {
		prompt += " (" + q.Hint + ")"
	}
	c.sayLocked(domain.KindQuestion, prompt)
}

// handleAnswerLocked consumes one user message as the answer to the active
// question. Questions leave the queue strictly in order; a failed coercion
// re-asks the same question without consuming it.
func (c *Conversation) handleAnswerLocked(text string) {
	q := c.sess.ActiveQuestion()
	if q == nil {
		return
	}

	value, err := coerceAnswer(*q, text)
	if err != nil {
		c.sayLocked(domain.KindQuestion, err.Error())
		return
	}

	now := c.orch.now()
	c.sess.RecordAnswer(q.Variable, value, now)
	c.sess.PopQuestion(now)

	if c.sess.ActiveQuestion() != nil {
		c.askActiveLocked()
		return
	}
	c.dispatchAfterAnswersLocked()
}

// dispatchAfterAnswersLocked runs once the clarification round drains:
// either hand control to the continuation directive or resubmit with the
// collected answers.
func (c *Conversation) dispatchAfterAnswersLocked() {
	cont := c.sess.Continuation
	if cont == nil {
		c.sayLocked(domain.KindText, "Thanks, that is everything. Continuing.")
		c.resubmitLocked()
		return
	}

	switch cont.Kind {
	case domain.ContinuationAutoRemediation:
		approved := answerApproves(c.sess.Answers)
		c.sess.Continuation = nil
		c.decideRemediationLocked(approved, "")

	case domain.ContinuationAutoDeploy:
		vars := make(map[string]any, len(c.sess.Answers))
		for k, v := range c.sess.Answers {
			vars[k] = v
		}
		c.sess.Continuation = nil
		c.armAutoDeployLocked(cont, vars)

	default:
		c.sess.Continuation = nil
		c.resubmitLocked()
	}
}

// answerApproves reads the remediation approval out of a finished answer
// round. Anything but an explicit approval is a denial.
func answerApproves(answers map[string]any) bool {
	for k, v := range answers {
		if !strings.Contains(strings.ToLower(k), "approval") && !strings.Contains(strings.ToLower(k), "approve") {
			continue
		}
		switch t := v.(type) {
		case bool:
			return t
		case string:
			return isApproval(t)
		}
	}
	return false
}

var approvalWords = map[string]bool{
	"approve": true, "approved": true, "yes": true, "y": true, "ok": true, "confirm": true,
}

var denialWords = map[string]bool{
	"deny": true, "denied": true, "no": true, "n": true, "reject": true, "cancel": true,
}

func isApproval(text string) bool {
	return approvalWords[normalize(text)]
}

func isDenial(text string) bool {
	return denialWords[normalize(text)]
}

// coerceAnswer converts the raw reply into the question's declared type.
func coerceAnswer(q domain.PendingQuestion, text string) (any, error) {
	raw := strings.TrimSpace(text)

	// A bare continue command while picking an operation means "just keep
	// going": map it to the update or custom path when the question offers
	// one of those, rather than treating it as an unknown operation name.
	if IsOperationSelection(q.Variable) && IsContinueCommand(raw) && len(q.Options) > 0 {
		for _, want := range []string{"update", "custom"} {
			for _, opt := range q.Options {
				if normalize(opt) == want {
					return opt, nil
				}
			}
		}
	}

	switch q.Type {
	case domain.QuestionNumber:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number. %s", raw, q.Prompt)
		}
		if n == float64(int64(n)) {
			return int64(n), nil
		}
		return n, nil

	case domain.QuestionBoolean:
		switch normalize(raw) {
		case "true", "yes", "y", "1":
			return true, nil
		case "false", "no", "n", "0":
			return false, nil
		}
		return nil, fmt.Errorf("please answer yes or no. %s", q.Prompt)

	default:
		if len(q.Options) > 0 {
			if picked, ok := matchOption(q.Options, raw); ok {
				return picked, nil
			}
			return nil, fmt.Errorf("%q is not one of the options (%s). %s",
				raw, strings.Join(q.Options, ", "), q.Prompt)
		}
		// Free-text answers that read as literals are coerced so the
		// backend receives typed values even when the question declared
		// a string.
		switch normalize(raw) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n, nil
		}
		return raw, nil
	}
}

// matchOption resolves an answer against the declared options, case
// insensitively, also accepting a 1-based index.
func matchOption(options []string, raw string) (string, bool) {
	t := normalize(raw)
	for _, opt := range options {
		if normalize(opt) == t {
			return opt, true
		}
	}
	if idx, err := strconv.Atoi(t); err == nil && idx >= 1 && idx <= len(options) {
		return options[idx-1], true
	}
	return "", false
}
