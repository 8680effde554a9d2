// Package detector evaluates snapshot records against fixed threshold rules
// and produces anomaly flags.
package detector

import (
	"fmt"
	"math"
	"time"

	"flagwatch/anomaly"
	"flagwatch/logger"
	"flagwatch/snapshot"

	"github.com/google/uuid"
)

// Fixed rule constants. Only the values in Thresholds are configurable.
const (
	criticalUsagePercent  = 95.0
	noInputIdleSeconds    = 10
	maxContextSwitches    = 50
	maxTypingErrorRate    = 0.15
	erraticSmoothness     = 0.3
	erraticHesitations    = 15
	negativeSentiment     = -0.5
	poorPostureScore      = 0.4
	highBandwidthMbps     = 500.0
	highPacketLossRate    = 0.05
	highWorkflowFriction  = 0.7
	gazeAway              = "away"
	voiceEmotionStressed  = "stressed"
	voiceEmotionFrustrate = "frustrated"
)

// Thresholds holds the configurable rule limits. Values are fixed for the
// lifetime of an Engine.
type Thresholds struct {
	CPU         float64 `json:"cpu" yaml:"cpu"`
	Memory      float64 `json:"memory" yaml:"memory"`
	IdleSeconds uint32  `json:"idle_seconds" yaml:"idle_seconds"`
	Focus       float64 `json:"focus" yaml:"focus"`
	Stress      float64 `json:"stress" yaml:"stress"`
	Fatigue     float64 `json:"fatigue" yaml:"fatigue"`
}

// DefaultThresholds returns the stock rule limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPU:         90.0,
		Memory:      85.0,
		IdleSeconds: 300,
		Focus:       0.3,
		Stress:      0.7,
		Fatigue:     0.8,
	}
}

// Validate rejects negative or non-finite limits and unit-interval limits
// above one.
func (t Thresholds) Validate() error {
	percent := []struct {
		name  string
		value float64
	}{
		{"cpu", t.CPU},
		{"memory", t.Memory},
	}
	for _, p := range percent {
		if math.IsNaN(p.value) || math.IsInf(p.value, 0) || p.value < 0 {
			return fmt.Errorf("threshold %s must be a non-negative number", p.name)
		}
	}
	unit := []struct {
		name  string
		value float64
	}{
		{"focus", t.Focus},
		{"stress", t.Stress},
		{"fatigue", t.Fatigue},
	}
	for _, u := range unit {
		if math.IsNaN(u.value) || u.value < 0 || u.value > 1 {
			return fmt.Errorf("threshold %s must be between 0 and 1", u.name)
		}
	}
	return nil
}

// Engine applies the rule set to snapshot records. It holds no mutable
// state and may be shared between goroutines.
type Engine struct {
	th    Thresholds
	now   func() time.Time
	newID func() string
}

type Option func(*Engine)

// WithClock overrides the detection timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithIDFunc overrides flag id generation.
func WithIDFunc(newID func() string) Option {
	return func(e *Engine) {
		e.newID = newID
	}
}

func New(th Thresholds, opts ...Option) *Engine {
	e := &Engine{
		th:    th,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Thresholds() Thresholds {
	return e.th
}

// Analyze returns the flags raised by rec in rule order. Optional
// modalities that were not collected are skipped. The record is not
// modified.
func (e *Engine) Analyze(rec *snapshot.Record) []anomaly.Flag {
	if rec == nil {
		return nil
	}
	logger.Debugf("Analyzing snapshot for session %s", rec.SessionID)

	var flags []anomaly.Flag
	flags = e.checkSystemMetrics(flags, rec)
	flags = e.checkInputMetrics(flags, rec)
	flags = e.checkFocusMetrics(flags, rec)
	if rec.KeystrokeDynamics != nil {
		flags = e.checkKeystrokeDynamics(flags, rec)
	}
	if rec.MouseDynamics != nil {
		flags = e.checkMouseDynamics(flags, rec)
	}
	if rec.VoiceData != nil {
		flags = e.checkVoiceData(flags, rec)
	}
	if rec.CameraData != nil {
		flags = e.checkCameraData(flags, rec)
	}
	if rec.NetworkActivityMetadata != nil {
		flags = e.checkNetworkActivity(flags, rec)
	}
	if rec.ScreenInteractions != nil {
		flags = e.checkScreenInteractions(flags, rec)
	}
	return flags
}

type finding struct {
	category    anomaly.Category
	severity    anomaly.Severity
	title       string
	description string
	source      string
	metrics     map[string]interface{}
	confidence  float64
}

func (e *Engine) flag(rec *snapshot.Record, f finding) anomaly.Flag {
	return anomaly.Flag{
		ID:          e.newID(),
		Timestamp:   e.now().UTC(),
		SessionID:   rec.SessionID,
		Type:        f.category,
		Severity:    f.severity,
		Title:       f.title,
		Description: f.description,
		DataSource:  f.source,
		Metrics:     f.metrics,
		Confidence:  f.confidence,
	}
}

func usageSeverity(value float64) anomaly.Severity {
	if value > criticalUsagePercent {
		return anomaly.Critical
	}
	return anomaly.High
}

func (e *Engine) checkSystemMetrics(flags []anomaly.Flag, rec *snapshot.Record) []anomaly.Flag {
	m := rec.SystemMetrics
	if m.CPUUsage > e.th.CPU {
		flags = append(flags, e.flag(rec, finding{
			category:    anomaly.PerformanceIssue,
			severity:    usageSeverity(m.CPUUsage),
			title:       "High CPU Usage",
			description: fmt.Sprintf("CPU usage at %.1f%% exceeds threshold of %.1f%%", m.CPUUsage, e.th.CPU),
			source:      "system_metrics",
			metrics: map[string]interface{}{
				"cpu_usage": m.CPUUsage,
				"threshold": e.th.CPU,
			},
			confidence: 0.95,
		}))
	}
	if m.MemoryUsage > e.th.Memory {
		flags = append(flags, e.flag(rec, finding{
			category:    anomaly.PerformanceIssue,
			severity:    usageSeverity(m.MemoryUsage),
			title:       "High Memory Usage",
			description: fmt.Sprintf("Memory usage at %.1f%% exceeds threshold of %.1f%%", m.MemoryUsage, e.th.Memory),
			source:      "system_metrics",
			metrics: map[string]interface{}{
				"memory_usage": m.MemoryUsage,
				"threshold":    e.th.Memory,
			},
			confidence: 0.95,
		}))
	}
	return flags
}

func (e *Engine) checkInputMetrics(flags []anomaly.Flag, rec *snapshot.Record) []anomaly.Flag {
	m := rec.InputMetrics
	if m.IdleDurationSeconds > e.th.IdleSeconds {
		flags = append(flags, e.flag(rec, finding{
			category:    anomaly.ProductivityAlert,
			severity:    anomaly.Low,
			title:       "Prolonged Idle Time",
			description: fmt.Sprintf("User idle for %d seconds (>%d seconds)", m.IdleDurationSeconds, e.th.IdleSeconds),
			source:      "input_metrics",
			metrics: map[string]interface{}{
				"idle_duration_seconds": float64(m.IdleDurationSeconds),
				"threshold":             float64(e.th.IdleSeconds),
			},
			confidence: 0.85,
		}))
	}
	if m.MouseClicks == 0 && m.KeyboardEvents == 0 && m.IdleDurationSeconds < noInputIdleSeconds {
		flags = append(flags, e.flag(rec, finding{
			category:    anomaly.BehaviorAnomaly,
			severity:    anomaly.Low,
			title:       "No User Input Detected",
			description: "System active but no mouse/keyboard activity detected",
			source:      "input_metrics",
			metrics: map[string]interface{}{
				"mouse_clicks":          float64(m.MouseClicks),
				"keyboard_events":       float64(m.KeyboardEvents),
				"idle_duration_seconds": float64(m.IdleDurationSeconds),
				"threshold":             float64(noInputIdleSeconds),
			},
			confidence: 0.7,
		}))
	}
	return flags
}

func (e *Engine) checkFocusMetrics(flags []anomaly.Flag, rec *snapshot.Record) []anomaly.Flag {
	m := rec.FocusMetrics
	if m.FocusLevel < e.th.Focus {
		flags = append(flags, e.flag(rec, finding{
			category:    anomaly.ProductivityAlert,
			severity:    anomaly.Medium,
			title:       "Low Focus Level",
			description: fmt.Sprintf("Focus level at %.2f is below threshold of %.2f", m.FocusLevel, e.th.Focus),
			source:      "focus_metrics",
			metrics: map[string]interface{}{
				"focus_level":      m.FocusLevel,
				"context_switches": float64(m.ContextSwitches),
				"threshold":        e.th.Focus,
			},
			confidence: 0.8,
		}))
	}
	if m.ContextSwitches > maxContextSwitches {
		flags = append(flags, e.flag(rec, finding{
			category:    anomaly.ProductivityAlert,
			severity:    anomaly.Medium,
			title:       "Excessive Context Switching",
			description: fmt.Sprintf("Detected %d context switches, indicating possible distraction", m.ContextSwitches),
			source:      "focus_metrics",
			metrics: map[string]interface{}{
				"context_switches": float64(m.ContextSwitches),
				"threshold":        float64(maxContextSwitches),
			},
			confidence: 0.75,
		}))
	}
	return flags
}

func (e *Engine) checkKeystrokeDynamics(flags []anomaly.Flag, rec *snapshot.Record) []anomaly.Flag {
	k := rec.KeystrokeDynamics
	if k.StressIndicator > e.th.Stress {
		flags = append(flags, e.flag(rec, finding{
			category:    anomaly.HealthConcern,
			severity:    anomaly.Medium,
			title:       "High Stress Detected",
			description: fmt.Sprintf("Keystroke patterns indicate stress level of %.2f", k.StressIndicator),
			source:      "keystroke_dynamics",
			metrics: map[string]interface{}{
				"stress_indicator":      k.StressIndicator,
				"typing_speed_wpm":      k.TypingSpeedWPM,
				"error_correction_rate": k.ErrorCorrectionRate,
				"threshold":             e.th.Stress,
			},
			confidence: 0.75,
		}))
	}
	if k.FatigueIndicator > e.th.Fatigue {
		flags = append(flags, e.flag(rec, finding{
			category:    anomaly.HealthConcern,
			severity:    anomaly.Medium,
			title:       "Fatigue Detected",
			description: fmt.Sprintf("Keystroke patterns indicate fatigue level of %.2f", k.FatigueIndicator),
			source:      "keystroke_dynamics",
			metrics: map[string]interface{}{
				"fatigue_indicator":  k.FatigueIndicator,
				"typing_speed_wpm":   k.TypingSpeedWPM,
				"key_press_variance": k.KeyPressVariance,
				"threshold":          e.th.Fatigue,
			},
			confidence: 0.75,
		}))
	}
	if k.ErrorCorrectionRate > maxTypingErrorRate {
		flags = append(flags, e.flag(rec, finding{
			category:    anomaly.HealthConcern,
			severity:    anomaly.Low,
			title:       "High Typing Error Rate",
			description: fmt.Sprintf("Error correction rate at %.1f%% suggests possible fatigue or distraction", k.ErrorCorrectionRate*100),
			source:      "keystroke_dynamics",
			metrics: map[string]interface{}{
				"error_correction_rate": k.ErrorCorrectionRate,
				"threshold":             maxTypingErrorRate,
			},
			confidence: 0.7,
		}))
	}
	return flags
}

func (e *Engine) checkMouseDynamics(flags []anomaly.Flag, rec *snapshot.Record) []anomaly.Flag {
	m := rec.MouseDynamics
	if m.FatigueIndicator > e.th.Fatigue {
		flags = append(flags, e.flag(rec, finding{
			category:    anomaly.HealthConcern,
			severity:    anomaly.Medium,
			title:       "Mouse Movement Fatigue",
			description: fmt.Sprintf("Mouse patterns indicate fatigue level of %.2f", m.FatigueIndicator),
			source:      "mouse_dynamics",
			metrics: map[string]interface{}{
				"fatigue_indicator": m.FatigueIndicator,
				"path_smoothness":   m.PathSmoothness,
				"hesitation_count":  float64(m.HesitationCount),
				"threshold":         e.th.Fatigue,
			},
			confidence: 0.7,
		}))
	}
	if m.PathSmoothness < erraticSmoothness && m.HesitationCount > erraticHesitations {
		flags = append(flags, e.flag(rec, finding{
			category:    anomaly.BehaviorAnomaly,
			severity:    anomaly.Low,
			title:       "Erratic Mouse Movement",
			description: "Mouse movement patterns are irregular with many hesitations",
			source:      "mouse_dynamics",
			metrics: map[string]interface{}{
				"path_smoothness":  m.PathSmoothness,
				"hesitation_count": float64(m.HesitationCount),
				"threshold": map[string]interface{}{
					"path_smoothness":  erraticSmoothness,
					"hesitation_count": float64(erraticHesitations),
				},
			},
			confidence: 0.65,
		}))
	}
	return flags
}

func (e *Engine) checkVoiceData(flags []anomaly.Flag, rec *snapshot.Record) []anomaly.Flag {
	v := rec.VoiceData
	if v.SentimentScore < negativeSentiment {
		flags = append(flags, e.flag(rec, finding{
			category:    anomaly.HealthConcern,
			severity:    anomaly.Medium,
			title:       "Negative Emotional State",
			description: fmt.Sprintf("Voice sentiment at %.2f indicates negative emotional state", v.SentimentScore),
			source:      "voice_data",
			metrics: map[string]interface{}{
				"sentiment_score":  v.SentimentScore,
				"emotion_detected": v.EmotionDetected,
				"vocal_tone_score": v.VocalToneScore,
				"threshold":        negativeSentiment,
			},
			confidence: 0.75,
		}))
	}
	if v.EmotionDetected == voiceEmotionStressed || v.EmotionDetected == voiceEmotionFrustrate {
		flags = append(flags, e.flag(rec, finding{
			category:    anomaly.HealthConcern,
			severity:    anomaly.Medium,
			title:       "Stress Detected in Voice",
			description: fmt.Sprintf("Voice analysis detected emotion: %s", v.EmotionDetected),
			source:      "voice_data",
			metrics: map[string]interface{}{
				"emotion_detected": v.EmotionDetected,
				"vocal_tone_score": v.VocalToneScore,
				"threshold":        []interface{}{voiceEmotionStressed, voiceEmotionFrustrate},
			},
			confidence: 0.8,
		}))
	}
	return flags
}

func (e *Engine) checkCameraData(flags []anomaly.Flag, rec *snapshot.Record) []anomaly.Flag {
	c := rec.CameraData
	if c.PostureScore < poorPostureScore {
		flags = append(flags, e.flag(rec, finding{
			category:    anomaly.HealthConcern,
			severity:    anomaly.Low,
			title:       "Poor Posture Detected",
			description: fmt.Sprintf("Posture score of %.2f suggests poor ergonomics", c.PostureScore),
			source:      "camera_data",
			metrics: map[string]interface{}{
				"posture_score": c.PostureScore,
				"threshold":     poorPostureScore,
			},
			confidence: 0.7,
		}))
	}
	if c.GazeDirection == gazeAway {
		flags = append(flags, e.flag(rec, finding{
			category:    anomaly.ProductivityAlert,
			severity:    anomaly.Low,
			title:       "User Not Looking at Screen",
			description: "Camera detected user gaze is away from screen",
			source:      "camera_data",
			metrics: map[string]interface{}{
				"gaze_direction": c.GazeDirection,
				"threshold":      gazeAway,
			},
			confidence: 0.75,
		}))
	}
	return flags
}

func (e *Engine) checkNetworkActivity(flags []anomaly.Flag, rec *snapshot.Record) []anomaly.Flag {
	n := rec.NetworkActivityMetadata
	if n.BandwidthUsageMbps > highBandwidthMbps {
		flags = append(flags, e.flag(rec, finding{
			category:    anomaly.SystemAnomaly,
			severity:    anomaly.Medium,
			title:       "High Bandwidth Usage",
			description: fmt.Sprintf("Bandwidth usage at %.1f Mbps is unusually high", n.BandwidthUsageMbps),
			source:      "network_activity_metadata",
			metrics: map[string]interface{}{
				"bandwidth_usage_mbps": n.BandwidthUsageMbps,
				"traffic_type":         n.TrafficType,
				"threshold":            highBandwidthMbps,
			},
			confidence: 0.8,
		}))
	}
	if n.PacketLossRate > highPacketLossRate {
		flags = append(flags, e.flag(rec, finding{
			category:    anomaly.PerformanceIssue,
			severity:    anomaly.Medium,
			title:       "High Network Packet Loss",
			description: fmt.Sprintf("Packet loss rate at %.1f%% indicates network issues", n.PacketLossRate*100),
			source:      "network_activity_metadata",
			metrics: map[string]interface{}{
				"packet_loss_rate":     n.PacketLossRate,
				"connection_stability": n.ConnectionStability,
				"threshold":            highPacketLossRate,
			},
			confidence: 0.85,
		}))
	}
	return flags
}

func (e *Engine) checkScreenInteractions(flags []anomaly.Flag, rec *snapshot.Record) []anomaly.Flag {
	s := rec.ScreenInteractions
	if s.WorkflowFrictionScore > highWorkflowFriction {
		flags = append(flags, e.flag(rec, finding{
			category:    anomaly.ProductivityAlert,
			severity:    anomaly.Medium,
			title:       "High Workflow Friction",
			description: fmt.Sprintf("Workflow friction score of %.2f indicates UI/UX issues", s.WorkflowFrictionScore),
			source:      "screen_interactions",
			metrics: map[string]interface{}{
				"workflow_friction_score": s.WorkflowFrictionScore,
				"click_count":             float64(s.ClickCount),
				"threshold":               highWorkflowFriction,
			},
			confidence: 0.7,
		}))
	}
	return flags
}
