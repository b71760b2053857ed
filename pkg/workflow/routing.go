package workflow

import (
	"strings"

	"github.com/cohenjo/cdcsync/pkg/config"
)

// Router picks the task queue for a connector language
type Router struct {
	queues map[string]string
}

// NewRouter copies queues; an empty map falls back to the built-in table.
// The default language always has a queue.
func NewRouter(queues map[string]string) *Router {
	defaults := config.DefaultTaskQueues()
	if len(queues) == 0 {
		queues = defaults
	}
	r := &Router{queues: make(map[string]string, len(queues))}
	for lang, queue := range queues {
		r.queues[strings.ToLower(lang)] = queue
	}
	if r.queues[config.DefaultLanguage] == "" {
		r.queues[config.DefaultLanguage] = defaults[config.DefaultLanguage]
	}
	return r
}

// QueueFor returns the queue for language, or the default language's
// queue when it is empty or unknown.
func (r *Router) QueueFor(language string) string {
	if q := r.queues[strings.ToLower(language)]; q != "" {
		return q
	}
	return r.queues[config.DefaultLanguage]
}

// Queues lists the distinct queues the router can return
func (r *Router) Queues() []string {
	seen := make(map[string]bool, len(r.queues))
	var out []string
	for _, q := range r.queues {
		if !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}
	return out
}
