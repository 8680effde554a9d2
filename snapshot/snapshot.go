// Package snapshot models the telemetry envelope written by the monitoring
// agent and parses it into a read-only Record.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Envelope is the on-disk shape of one snapshot file.
type Envelope struct {
	Metadata Metadata `json:"metadata"`
	Data     Record   `json:"data"`
}

type Metadata struct {
	SessionID          string             `json:"session_id"`
	Timestamp          string             `json:"timestamp"`
	DataTypesAvailable DataTypesAvailable `json:"data_types_available"`
	SavedAt            string             `json:"saved_at"`
}

type DataTypesAvailable struct {
	SystemMetrics           bool `json:"system_metrics"`
	ProcessData             bool `json:"process_data"`
	InputMetrics            bool `json:"input_metrics"`
	NetworkMetrics          bool `json:"network_metrics"`
	FocusMetrics            bool `json:"focus_metrics"`
	VoiceData               bool `json:"voice_data"`
	CameraData              bool `json:"camera_data"`
	KeystrokeDynamics       bool `json:"keystroke_dynamics"`
	ScreenInteractions      bool `json:"screen_interactions"`
	FileMetadata            bool `json:"file_metadata"`
	SystemEvents            bool `json:"system_events"`
	MouseDynamics           bool `json:"mouse_dynamics"`
	NetworkActivityMetadata bool `json:"network_activity_metadata"`
}

// Record is one telemetry capture. The five mandatory sub-records are
// values; the eight optional modalities are pointers and nil means the
// modality was not collected.
type Record struct {
	SessionID      string         `json:"session_id"`
	Timestamp      time.Time      `json:"timestamp"`
	SystemMetrics  SystemMetrics  `json:"system_metrics"`
	ProcessData    ProcessData    `json:"process_data"`
	InputMetrics   InputMetrics   `json:"input_metrics"`
	NetworkMetrics NetworkMetrics `json:"network_metrics"`
	FocusMetrics   FocusMetrics   `json:"focus_metrics"`

	VoiceData               *VoiceData               `json:"voice_data,omitempty"`
	CameraData              *CameraData              `json:"camera_data,omitempty"`
	KeystrokeDynamics       *KeystrokeDynamics       `json:"keystroke_dynamics,omitempty"`
	ScreenInteractions      *ScreenInteractions      `json:"screen_interactions,omitempty"`
	FileMetadata            *FileMetadata            `json:"file_metadata,omitempty"`
	SystemEvents            *SystemEvents            `json:"system_events,omitempty"`
	MouseDynamics           *MouseDynamics           `json:"mouse_dynamics,omitempty"`
	NetworkActivityMetadata *NetworkActivityMetadata `json:"network_activity_metadata,omitempty"`
}

type SystemMetrics struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	DiskUsage   float64   `json:"disk_usage"`
}

type ProcessData struct {
	Timestamp         time.Time `json:"timestamp"`
	ActiveProcess     string    `json:"active_process"`
	ActiveWindowTitle string    `json:"active_window_title"`
	ProcessCount      uint64    `json:"process_count"`
}

type InputMetrics struct {
	Timestamp           time.Time `json:"timestamp"`
	MouseClicks         uint32    `json:"mouse_clicks"`
	KeyboardEvents      uint32    `json:"keyboard_events"`
	IdleDurationSeconds uint32    `json:"idle_duration_seconds"`
}

type NetworkMetrics struct {
	Timestamp         time.Time `json:"timestamp"`
	BytesSent         uint64    `json:"bytes_sent"`
	BytesReceived     uint64    `json:"bytes_received"`
	ActiveConnections uint64    `json:"active_connections"`
}

type FocusMetrics struct {
	Timestamp         time.Time `json:"timestamp"`
	FocusLevel        float64   `json:"focus_level"`
	ContextSwitches   uint32    `json:"context_switches"`
	ProductiveAppTime uint32    `json:"productive_app_time"`
}

type VoiceData struct {
	Timestamp          time.Time `json:"timestamp"`
	VocalToneScore     float64   `json:"vocal_tone_score"`
	SentimentScore     float64   `json:"sentiment_score"`
	EmotionDetected    string    `json:"emotion_detected"`
	SpeakingDurationMs uint64    `json:"speaking_duration_ms"`
	SilenceDurationMs  uint64    `json:"silence_duration_ms"`
	VolumeLevel        float64   `json:"volume_level"`
	Enabled            bool      `json:"enabled"`
}

type CameraData struct {
	Timestamp         time.Time `json:"timestamp"`
	FacialEmotions    []string  `json:"facial_emotions"`
	DominantEmotion   string    `json:"dominant_emotion"`
	EmotionConfidence float64   `json:"emotion_confidence"`
	GazeDirection     string    `json:"gaze_direction"`
	FaceDetected      bool      `json:"face_detected"`
	PostureScore      float64   `json:"posture_score"`
	Enabled           bool      `json:"enabled"`
}

type KeystrokeDynamics struct {
	Timestamp           time.Time `json:"timestamp"`
	TypingSpeedWPM      float64   `json:"typing_speed_wpm"`
	AvgKeyHoldTimeMs    float64   `json:"avg_key_hold_time_ms"`
	AvgKeyIntervalMs    float64   `json:"avg_key_interval_ms"`
	KeyPressVariance    float64   `json:"key_press_variance"`
	ErrorCorrectionRate float64   `json:"error_correction_rate"`
	StressIndicator     float64   `json:"stress_indicator"`
	FatigueIndicator    float64   `json:"fatigue_indicator"`
	TotalKeystrokes     uint32    `json:"total_keystrokes"`
	Enabled             bool      `json:"enabled"`
}

type ScreenInteractions struct {
	Timestamp             time.Time   `json:"timestamp"`
	ClickCount            uint32      `json:"click_count"`
	DoubleClickCount      uint32      `json:"double_click_count"`
	RightClickCount       uint32      `json:"right_click_count"`
	ScrollEvents          uint32      `json:"scroll_events"`
	UIElementTypes        []string    `json:"ui_element_types"`
	InteractionSpeed      float64     `json:"interaction_speed"`
	WorkflowFrictionScore float64     `json:"workflow_friction_score"`
	MouseTravelDistancePx uint64      `json:"mouse_travel_distance_px"`
	ScreenRegionHeatmap   [][3]uint32 `json:"screen_region_heatmap"`
	Enabled               bool        `json:"enabled"`
}

type FileMetadata struct {
	Timestamp          time.Time `json:"timestamp"`
	FileTypesAccessed  []string  `json:"file_types_accessed"`
	FileSizesBytes     []uint64  `json:"file_sizes_bytes"`
	ModificationEvents uint32    `json:"modification_events"`
	FileOpenEvents     uint32    `json:"file_open_events"`
	FileCloseEvents    uint32    `json:"file_close_events"`
	WorkTypeInferred   string    `json:"work_type_inferred"`
	ProjectSwitchCount uint32    `json:"project_switch_count"`
	AvgFileSizeBytes   uint64    `json:"avg_file_size_bytes"`
	Enabled            bool      `json:"enabled"`
}

type SystemEvents struct {
	Timestamp                    time.Time  `json:"timestamp"`
	EventType                    string     `json:"event_type"`
	EventSubtype                 string     `json:"event_subtype"`
	SessionStart                 *time.Time `json:"session_start,omitempty"`
	SessionEnd                   *time.Time `json:"session_end,omitempty"`
	BreakDurationSeconds         uint64     `json:"break_duration_seconds"`
	ActiveSessionDurationSeconds uint64     `json:"active_session_duration_seconds"`
	DailyRhythmScore             float64    `json:"daily_rhythm_score"`
	Enabled                      bool       `json:"enabled"`
}

type MouseDynamics struct {
	Timestamp              time.Time `json:"timestamp"`
	MovementSpeedAvg       float64   `json:"movement_speed_avg"`
	MovementSpeedVariance  float64   `json:"movement_speed_variance"`
	PathSmoothness         float64   `json:"path_smoothness"`
	ClickPatternRegularity float64   `json:"click_pattern_regularity"`
	HesitationCount        uint32    `json:"hesitation_count"`
	AccelerationAvg        float64   `json:"acceleration_avg"`
	FatigueIndicator       float64   `json:"fatigue_indicator"`
	FocusIndicator         float64   `json:"focus_indicator"`
	TotalDistancePx        uint64    `json:"total_distance_px"`
	Enabled                bool      `json:"enabled"`
}

type NetworkActivityMetadata struct {
	Timestamp           time.Time `json:"timestamp"`
	BytesSent           uint64    `json:"bytes_sent"`
	BytesReceived       uint64    `json:"bytes_received"`
	ActiveConnections   uint64    `json:"active_connections"`
	TrafficType         string    `json:"traffic_type"`
	ActivityContext     string    `json:"activity_context"`
	BandwidthUsageMbps  float64   `json:"bandwidth_usage_mbps"`
	LatencyAvgMs        float64   `json:"latency_avg_ms"`
	PacketLossRate      float64   `json:"packet_loss_rate"`
	ConnectionStability float64   `json:"connection_stability"`
	Enabled             bool      `json:"enabled"`
}

// ParseError reports a snapshot file whose contents are not a valid
// envelope.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse snapshot: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

var mandatoryFields = []string{
	"session_id",
	"timestamp",
	"system_metrics",
	"process_data",
	"input_metrics",
	"network_metrics",
	"focus_metrics",
}

// Parse decodes a snapshot envelope. Missing metadata, data, or any of the
// mandatory data sub-records is reported as a *ParseError.
func Parse(content []byte) (*Envelope, error) {
	var raw struct {
		Metadata json.RawMessage            `json:"metadata"`
		Data     map[string]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(content, &raw); err != nil {
		return nil, &ParseError{Err: err}
	}
	if len(raw.Metadata) == 0 || string(raw.Metadata) == "null" {
		return nil, &ParseError{Err: errors.New("missing metadata")}
	}
	if raw.Data == nil {
		return nil, &ParseError{Err: errors.New("missing data")}
	}
	for _, field := range mandatoryFields {
		value, ok := raw.Data[field]
		if !ok || string(value) == "null" {
			return nil, &ParseError{Err: fmt.Errorf("missing data.%s", field)}
		}
	}

	var env Envelope
	if err := json.Unmarshal(content, &env); err != nil {
		return nil, &ParseError{Err: err}
	}
	return &env, nil
}
