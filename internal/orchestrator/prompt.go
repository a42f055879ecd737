package orchestrator

import (
	"strings"

	"github.com/rvasily/cloudchat/internal/backend"
	"github.com/rvasily/cloudchat/internal/domain"
)

// startPromptReviewLocked asks the backend to rewrite a request into a
// clearer execution prompt. Nothing runs until the user confirms the
// suggestion.
func (c *Conversation) startPromptReviewLocked(raw string) {
	if raw == "" {
		raw = c.sess.LastRequestText
	}
	if raw == "" {
		c.sayLocked(domain.KindText,
			`Tell me which request to polish, e.g. "improve: create a vpc with two subnets".`)
		return
	}

	c.busy = true
	req := backend.ImprovePromptRequest{
		UserID:      c.userID,
		Text:        raw,
		Environment: c.environmentLocked(),
		Region:      c.regionLocked(),
	}

	go func() {
		ctx, cancel := c.background(c.orch.cfg.Backend.ProbeTimeout)
		defer cancel()

		suggestion, err := c.orch.backend.ImprovePrompt(ctx, req)

		c.finish(func() {
			c.busy = false

			if err != nil {
				c.logger.Error("prompt improvement failed", "error", err)
				c.sayLocked(domain.KindResult, "Could not improve the prompt: "+err.Error())
				return
			}

			improved := strings.TrimSpace(suggestion.Improved)
			if improved == "" {
				improved = raw
			}
			c.sess.DraftPrompt = improved

			summary := suggestion.Summary
			if summary == "" {
				summary = "Here is a clearer version of your request."
			}
			c.sayLocked(domain.KindPromptReview, summary+"\n\n"+improved+
				"\n\nSay continue to run it, or no to discard.")
		})
	}()
}
