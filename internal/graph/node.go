package graph

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/automation-engine/internal/domain"
)

// NodeType is the closed set of node kinds a graph may contain.
type NodeType string

const (
	TypeTrigger   NodeType = "trigger"
	TypeSendEmail NodeType = "send_email"
	TypeDelay     NodeType = "delay"
	TypeCondition NodeType = "condition"
	TypeEnd       NodeType = "end"
)

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	switch t {
	case TypeTrigger, TypeSendEmail, TypeDelay, TypeCondition, TypeEnd:
		return true
	}
	return false
}

// Node is one vertex of the graph. Next is the explicit single successor;
// condition nodes use it for whatever follows the whole condition block.
// Config holds the type's payload and is one of *TriggerConfig,
// *SendEmailConfig, *DelayConfig, *ConditionConfig or *EndConfig.
type Node struct {
	ID     string
	Type   NodeType
	Next   string
	Config Config
}

// Config is implemented by each per-type node payload.
type Config interface {
	nodeType() NodeType
}

// SendEmailConfig identifies the template the dispatch provider renders.
type SendEmailConfig struct {
	TemplateRef string `json:"template_ref" validate:"required"`
}

// DelayConfig holds a wall-clock wait.
type DelayConfig struct {
	Duration Duration `json:"duration" validate:"gt=0"`
}

// Branches holds the condition's two edge lists. A nil list means the key
// was absent, which fails validation; an empty list means fall through.
type Branches struct {
	Yes []string `json:"yes"`
	No  []string `json:"no"`
}

// ConditionConfig decides a branch from engagement observed inside a window
// that opens when the enrollment reaches the node.
type ConditionConfig struct {
	SignalTypes []domain.EngagementType `json:"signal_types" validate:"required,min=1,dive,oneof=open click reply"`
	Window      Duration                `json:"window_duration" validate:"gt=0"`
	Branches    Branches                `json:"branches"`
}

// Accepts reports whether an engagement type counts toward Yes.
func (c *ConditionConfig) Accepts(t domain.EngagementType) bool {
	for _, s := range c.SignalTypes {
		if s == t {
			return true
		}
	}
	return false
}

// EndConfig is empty; end nodes carry no payload.
type EndConfig struct{}

func (*TriggerConfig) nodeType() NodeType   { return TypeTrigger }
func (*SendEmailConfig) nodeType() NodeType { return TypeSendEmail }
func (*DelayConfig) nodeType() NodeType     { return TypeDelay }
func (*ConditionConfig) nodeType() NodeType { return TypeCondition }
func (*EndConfig) nodeType() NodeType       { return TypeEnd }

// Duration is a time.Duration that also accepts a day component ("3d",
// "1d12h") and bare numbers as seconds when decoded from JSON.
type Duration time.Duration

var dayPrefix = regexp.MustCompile(`^(\d+)d(.*)$`)

// ParseDuration parses a duration string with an optional leading day count.
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Duration(time.Duration(secs) * time.Second), nil
	}
	var total time.Duration
	if m := dayPrefix.FindStringSubmatch(s); m != nil {
		days, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, fmt.Errorf("invalid day count %q: %w", m[1], err)
		}
		total = time.Duration(days) * 24 * time.Hour
		s = m[2]
		if s == "" {
			return Duration(total), nil
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return Duration(total + d), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON encodes the duration as a Go duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts "72h", "3d", "1d12h" or a number of seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		secs, err := n.Float64()
		if err != nil {
			return fmt.Errorf("invalid duration %s: %w", data, err)
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string or number: %w", err)
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = parsed
	return nil
}
