// Package trigger labels item text against an ordered rule set. It is a
// pure classifier: no network, no disk, at most one label per item.
package trigger

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"knowledge-base/collab-ingester/internal/config"
	"knowledge-base/collab-ingester/internal/model"
)

// Classifier evaluates rules in strict priority order, short-circuiting at
// the first match: mention > command > keyword > pattern.
type Classifier struct {
	mention  string // literal mention token, e.g. "<@U123>"; empty disables
	command  string // reserved command token, lower-cased
	keywords []string
	patterns []*regexp.Regexp
}

// New compiles the configured rules. selfID is the monitoring identity as
// reported by the source (overrides cfg.SelfID when non-empty).
func New(cfg config.TriggerConfig, selfID string) (*Classifier, error) {
	if selfID == "" {
		selfID = cfg.SelfID
	}
	c := &Classifier{command: strings.ToLower(cfg.Command)}
	if selfID != "" {
		c.mention = "<@" + selfID + ">"
	}
	for _, kw := range cfg.Keywords {
		if s := strings.ToLower(strings.TrimSpace(kw)); s != "" {
			c.keywords = append(c.keywords, s)
		}
	}
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("trigger pattern %q: %w", p, err)
		}
		c.patterns = append(c.patterns, re)
	}
	return c, nil
}

// Classify returns the highest-priority trigger for the text, or a
// TriggerNone event when nothing matches.
func (c *Classifier) Classify(itemID, text string) model.TriggerEvent {
	ev := model.TriggerEvent{ItemID: itemID, Label: model.TriggerNone, DetectedAt: time.Now().UTC()}
	if text == "" {
		return ev
	}
	lower := strings.ToLower(text)

	if c.mention != "" && strings.Contains(text, c.mention) {
		ev.Label = model.TriggerMention
		ev.MatchedText = c.mention
		return ev
	}
	if c.command != "" && strings.Contains(lower, c.command) {
		ev.Label = model.TriggerCommand
		ev.MatchedText = c.command
		return ev
	}
	for _, kw := range c.keywords {
		if strings.Contains(lower, kw) {
			ev.Label = model.TriggerKeyword
			ev.MatchedText = kw
			return ev
		}
	}
	for _, re := range c.patterns {
		if m := re.FindString(text); m != "" {
			ev.Label = model.TriggerPattern
			ev.MatchedText = m
			return ev
		}
	}
	return ev
}
