package orchestrator

import (
	"regexp"
	"strings"

	"github.com/rvasily/cloudchat/internal/config"
	"github.com/rvasily/cloudchat/internal/domain"
)

// continuePhrases are the short commands that mean "pick up where we left
// off" rather than starting a new request. A plain "yes" is deliberately
// absent: it answers a question, it does not resume anything.
var continuePhrases = map[string]bool{
	"continue": true,
	"proceed":  true,
	"resume":   true,
	"go ahead": true,
	"next":     true,
	"run":      true,
}

// IsContinueCommand reports whether the message is a bare continuation
// command. Longer sentences containing these words are normal requests.
func IsContinueCommand(text string) bool {
	return continuePhrases[normalize(text)]
}

var statusQueryRe = regexp.MustCompile(`(?i)\b(status|ready|progress|how.s it going|is it (up|done|running|live)|any update)\b`)

// LooksLikeStatusQuery reports whether the message asks about the state of
// an ongoing deployment instead of requesting new work.
func LooksLikeStatusQuery(text string) bool {
	t := normalize(text)
	if t == "" || len(strings.Fields(t)) > 8 {
		return false
	}
	return statusQueryRe.MatchString(t)
}

var (
	reuseRe  = regexp.MustCompile(`(?i)\b(use|reuse|keep)\b.*\bexisting\b|\bexisting (one|resource)s?\b`)
	createRe = regexp.MustCompile(`(?i)\b(create|make|provision)\b.*\bnew\b|\bnew (one|resource)s?\b|\bfrom scratch\b`)
)

// ParseResourceStrategy extracts a reuse-vs-create preference from a short
// message. Returns false when the message states no preference.
func ParseResourceStrategy(text string) (domain.ResourceStrategy, bool) {
	t := normalize(text)
	if t == "" || len(strings.Fields(t)) > 10 {
		return "", false
	}
	switch {
	case reuseRe.MatchString(t):
		return domain.StrategyReuseExisting, true
	case createRe.MatchString(t):
		return domain.StrategyCreateNew, true
	}
	return "", false
}

// identifierPrefixes maps AWS identifier prefixes to resource categories.
var identifierPrefixes = []struct {
	prefix   string
	category string
}{
	{"i-", "ec2"},
	{"vpc-", "vpc"},
	{"subnet-", "vpc"},
	{"sg-", "security_group"},
	{"db-", "rds"},
	{"lt-", "ec2"},
	{"vol-", "ebs"},
	{"fs-", "efs"},
}

// resourceKeywords maps descriptive words to categories, for text that
// names the thing instead of quoting an identifier. Longer words first so
// "security group" wins over "group".
var resourceKeywords = []struct {
	word     string
	category string
}{
	{"security group", "security_group"},
	{"load balancer", "elb"},
	{"file system", "efs"},
	{"database", "rds"},
	{"postgres", "rds"},
	{"mysql", "rds"},
	{"rds", "rds"},
	{"instance", "ec2"},
	{"server", "ec2"},
	{"ec2", "ec2"},
	{"bucket", "s3"},
	{"s3", "s3"},
	{"subnet", "vpc"},
	{"vpc", "vpc"},
	{"volume", "ebs"},
	{"redis", "elasticache"},
	{"cache", "elasticache"},
	{"efs", "efs"},
}

// InferResourceTypeHint guesses the resource category from an identifier's
// prefix or a descriptive word in the text, or returns "".
func InferResourceTypeHint(text string) string {
	token := normalize(text)
	for _, p := range identifierPrefixes {
		if strings.HasPrefix(token, p.prefix) {
			return p.category
		}
	}
	for _, k := range resourceKeywords {
		if strings.Contains(token, k.word) {
			return k.category
		}
	}
	return ""
}

var promptReviewVerbs = []string{"improve", "refine", "rephrase", "polish"}

var promptReviewFillers = []string{
	"my prompt", "my request", "my last request", "this prompt",
	"this request", "the prompt", "the request", "prompt", "request",
}

// ParsePromptReview detects an explicit ask to rewrite a request before
// running it and returns the text to rewrite. An empty remainder means
// "polish whatever I asked for last".
func ParsePromptReview(text string) (string, bool) {
	t := strings.TrimSpace(text)
	lower := strings.ToLower(t)
	for _, verb := range promptReviewVerbs {
		if lower != verb && !strings.HasPrefix(lower, verb+" ") && !strings.HasPrefix(lower, verb+":") {
			continue
		}
		rest := strings.TrimSpace(t[len(verb):])
		rest = strings.TrimSpace(strings.TrimPrefix(rest, ":"))
		for _, filler := range promptReviewFillers {
			if strings.EqualFold(rest, filler) {
				rest = ""
				break
			}
			if len(rest) > len(filler) && strings.EqualFold(rest[:len(filler)], filler) && rest[len(filler)] == ':' {
				rest = strings.TrimSpace(rest[len(filler)+1:])
				break
			}
		}
		return rest, true
	}
	return "", false
}

var guideQueryRe = regexp.MustCompile(`(?i)\b(how (do|can|should) i|what is|what are|explain|guide|documentation|docs|best practice)\b`)

// LooksLikeGuideQuery reports whether the message asks for documentation
// rather than an action.
func LooksLikeGuideQuery(text string) bool {
	return guideQueryRe.MatchString(normalize(text))
}

// operationSelectionVars name variables whose question effectively asks
// "what next". A bare continue command is a meaningful answer for these.
var operationSelectionVars = map[string]bool{
	"operation":      true,
	"action":         true,
	"update_action":  true,
	"operation_mode": true,
}

// IsOperationSelection reports whether the variable picks an operation.
func IsOperationSelection(variable string) bool {
	return operationSelectionVars[strings.ToLower(strings.TrimSpace(variable))]
}

// NeedsPolling decides whether a resource should be watched: its category
// settles asynchronously and either its state is a pending one or the
// backend sent an explicit positive retry hint.
func NeedsPolling(cfg config.PollingConfig, category, state string, retryHintSeconds int) bool {
	cat := normalize(category)
	for _, sync := range cfg.SyncCategories {
		if cat == sync {
			return false
		}
	}
	if retryHintSeconds > 0 {
		return true
	}
	st := normalize(state)
	if st == "" {
		return false
	}
	for _, pending := range cfg.PendingStates {
		if st == pending {
			return true
		}
	}
	return false
}

// IsReadyState reports whether a state token means settled.
func IsReadyState(cfg config.PollingConfig, state string) bool {
	st := normalize(state)
	for _, ready := range cfg.ReadyStates {
		if st == ready {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
