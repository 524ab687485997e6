package bus

import (
	"testing"
	"time"
)

func TestTopicMatches_PlusWildcard(t *testing.T) {
	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"labs/+/sensors/+/state", "labs/lab1/sensors/s1/state", true},
		{"labs/+/sensors/+/state", "labs/lab1/actuators/s1/state", false},
		{"labs/+/sensors/+/state", "labs/lab1/sensors/s1/state/extra", false},
		{"labs/+/actuators/+/state", "labs/lab_chem/actuators/fan_1/state", true},
	}
	for _, c := range cases {
		if got := topicMatches(c.pattern, c.topic); got != c.want {
			t.Errorf("topicMatches(%q, %q) = %v, want %v", c.pattern, c.topic, got, c.want)
		}
	}
}

func TestTopicMatches_HashWildcard(t *testing.T) {
	if !topicMatches("labs/#", "labs/lab1/sensors/s1/state") {
		t.Error("expected labs/# to match any labs/... topic")
	}
	if topicMatches("labs/#", "other/lab1") {
		t.Error("labs/# must not match topics outside the labs/ prefix")
	}
}

func TestTopicMatches_ExactMatch(t *testing.T) {
	if !topicMatches("labs/lab1/sensors/s1/state", "labs/lab1/sensors/s1/state") {
		t.Error("expected exact pattern to match identical topic")
	}
}

func TestBackoff_DoublesFromMinToMax(t *testing.T) {
	b := newBackoff(2*time.Second, 30*time.Second)
	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		if got := b.next(); got != w {
			t.Errorf("attempt %d: delay = %v, want %v", i+1, got, w)
		}
	}
}

func TestBackoff_ResetReturnsToMin(t *testing.T) {
	b := newBackoff(2*time.Second, 30*time.Second)
	b.next()
	b.next()
	b.reset()
	if got := b.next(); got != 2*time.Second {
		t.Errorf("delay after reset = %v, want 2s", got)
	}
}

func TestNew_AppliesReconnectDefaults(t *testing.T) {
	a := New(Config{Host: "localhost", Port: 1883}, nil)
	if a.cfg.ReconnectMin != 2*time.Second {
		t.Errorf("ReconnectMin = %v, want 2s", a.cfg.ReconnectMin)
	}
	if a.cfg.ReconnectMax != 30*time.Second {
		t.Errorf("ReconnectMax = %v, want 30s", a.cfg.ReconnectMax)
	}
}

func TestInvoke_CallbackPanicIsRecovered(t *testing.T) {
	a := New(Config{Host: "localhost", Port: 1883}, nil)
	// Must not panic the test: invoke recovers internally.
	a.invoke(func(topic string, payload map[string]any) {
		panic("boom")
	}, "labs/lab1/sensors/s1/state", map[string]any{"t": 1.0})
}
