package gorm

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"gorm.io/gorm"

	"github.com/thebtf/pausepoint/pkg/models"
)

// JSONColumn stores any value as a JSON text column.
type JSONColumn[T any] struct {
	V T
}

func NewJSONColumn[T any](v T) JSONColumn[T] { return JSONColumn[T]{V: v} }

// Value implements driver.Valuer.
func (c JSONColumn[T]) Value() (driver.Value, error) {
	b, err := json.Marshal(c.V)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (c *JSONColumn[T]) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		return nil
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return fmt.Errorf("scan json column: unsupported type %T", src)
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, &c.V)
}

// Session is one ended, countable usage session.
type Session struct {
	ID             string `gorm:"primaryKey;type:varchar(64)"`
	AppID          string `gorm:"index:idx_sessions_app_started,priority:1;not null"`
	StartedAt      string `gorm:"not null"`
	StartedAtEpoch int64  `gorm:"index:idx_sessions_app_started,priority:2;index:idx_sessions_started,sort:desc;not null"`
	EndedAt        string `gorm:"not null"`
	EndedAtEpoch   int64  `gorm:"index;not null"`
	DurationMs     int64  `gorm:"not null"`
	EndReason      string `gorm:"type:varchar(32);check:end_reason IN ('app_switch', 'gap_timeout', 'screen_off', 'app_backgrounded', 'timer_overlay', 'restart_discard')"`
	WasInterrupted bool   `gorm:"default:false"`
	TimerAlerts    int    `gorm:"default:0"`
}

func (Session) TableName() string { return "sessions" }

func sessionFromModel(s models.Session) Session {
	return Session{
		ID:             s.ID,
		AppID:          s.AppID,
		StartedAt:      s.StartedAt.Format(time.RFC3339),
		StartedAtEpoch: s.StartedAt.UnixMilli(),
		EndedAt:        s.EndedAt.Format(time.RFC3339),
		EndedAtEpoch:   s.EndedAt.UnixMilli(),
		DurationMs:     s.Duration.Milliseconds(),
		EndReason:      string(s.EndReason),
		WasInterrupted: s.WasInterrupted,
		TimerAlerts:    s.TimerAlerts,
	}
}

func (s Session) toModel() models.Session {
	return models.Session{
		ID:             s.ID,
		AppID:          s.AppID,
		StartedAt:      time.UnixMilli(s.StartedAtEpoch),
		LastActiveAt:   time.UnixMilli(s.EndedAtEpoch),
		EndedAt:        time.UnixMilli(s.EndedAtEpoch),
		Duration:       time.Duration(s.DurationMs) * time.Millisecond,
		EndReason:      models.EndReason(s.EndReason),
		WasInterrupted: s.WasInterrupted,
		TimerAlerts:    s.TimerAlerts,
	}
}

// DecisionExplanation is one append-only gate decision record.
type DecisionExplanation struct {
	ID             string `gorm:"primaryKey;type:varchar(64)"`
	Timestamp      string `gorm:"not null"`
	TimestampEpoch int64  `gorm:"index:idx_decisions_timestamp,sort:desc;not null"`
	SessionID      string `gorm:"index"`
	AppID          string `gorm:"index;not null"`
	InterventionID sql.NullString
	Trigger        string `gorm:"column:trigger_kind;type:varchar(32)"`

	Decision       string `gorm:"type:varchar(8);check:decision IN ('SHOW', 'SKIP');index;not null"`
	BlockingReason string `gorm:"type:varchar(32);index"`

	OpportunityScore     int                                     `gorm:"not null"`
	OpportunityLevel     string                                  `gorm:"type:varchar(16);index"`
	OpportunityBreakdown JSONColumn[models.OpportunityBreakdown] `gorm:"type:text"`

	Persona           string `gorm:"type:varchar(32)"`
	PersonaConfidence string `gorm:"type:varchar(8)"`

	Checkpoints JSONColumn[[]models.CheckpointResult] `gorm:"type:text"`

	BurdenLevel        string  `gorm:"type:varchar(16)"`
	BurdenScore        int     `gorm:"default:0"`
	BurdenReliable     bool    `gorm:"default:false"`
	CooldownMultiplier float64 `gorm:"type:real;default:1.0"`

	ContentType     string `gorm:"type:varchar(32)"`
	ContentReason   string
	ContentStrategy string `gorm:"type:varchar(16)"`
	ShadowContent   string `gorm:"type:varchar(32)"`

	Context JSONColumn[models.InterventionContext] `gorm:"type:text"`
}

func (DecisionExplanation) TableName() string { return "decision_explanations" }

// BeforeCreate hook to ensure timestamps are set.
func (d *DecisionExplanation) BeforeCreate(tx *gorm.DB) error {
	if d.TimestampEpoch == 0 {
		d.TimestampEpoch = time.Now().UnixMilli()
	}
	if d.Timestamp == "" {
		d.Timestamp = time.UnixMilli(d.TimestampEpoch).Format(time.RFC3339)
	}
	return nil
}

func explanationFromModel(e models.DecisionExplanation) DecisionExplanation {
	return DecisionExplanation{
		ID:                   e.ID,
		Timestamp:            e.Timestamp.Format(time.RFC3339),
		TimestampEpoch:       e.Timestamp.UnixMilli(),
		SessionID:            e.SessionID,
		AppID:                e.AppID,
		InterventionID:       sqlNullString(e.InterventionID),
		Trigger:              string(e.Trigger),
		Decision:             string(e.Decision),
		BlockingReason:       string(e.BlockingReason),
		OpportunityScore:     e.OpportunityScore,
		OpportunityLevel:     e.OpportunityLevel.String(),
		OpportunityBreakdown: NewJSONColumn(e.OpportunityBreakdown),
		Persona:              string(e.Persona),
		PersonaConfidence:    string(e.PersonaConfidence),
		Checkpoints:          NewJSONColumn(e.Checkpoints),
		BurdenLevel:          e.BurdenLevel.String(),
		BurdenScore:          e.BurdenScore,
		BurdenReliable:       e.BurdenReliable,
		CooldownMultiplier:   e.CooldownMultiplier,
		ContentType:          string(e.ContentType),
		ContentReason:        e.ContentReason,
		ContentStrategy:      e.ContentStrategy,
		ShadowContent:        string(e.ShadowContent),
		Context:              NewJSONColumn(e.Context),
	}
}

func (d DecisionExplanation) toModel() models.DecisionExplanation {
	level, _ := models.ParseOpportunityLevel(d.OpportunityLevel)
	burden, _ := models.ParseBurdenLevel(d.BurdenLevel)
	return models.DecisionExplanation{
		ID:                   d.ID,
		Timestamp:            time.UnixMilli(d.TimestampEpoch),
		SessionID:            d.SessionID,
		AppID:                d.AppID,
		InterventionID:       d.InterventionID.String,
		Trigger:              models.Trigger(d.Trigger),
		Decision:             models.Decision(d.Decision),
		BlockingReason:       models.BlockingReason(d.BlockingReason),
		OpportunityScore:     d.OpportunityScore,
		OpportunityLevel:     level,
		OpportunityBreakdown: d.OpportunityBreakdown.V,
		Persona:              models.Persona(d.Persona),
		PersonaConfidence:    models.Confidence(d.PersonaConfidence),
		Checkpoints:          d.Checkpoints.V,
		BurdenLevel:          burden,
		BurdenScore:          d.BurdenScore,
		BurdenReliable:       d.BurdenReliable,
		CooldownMultiplier:   d.CooldownMultiplier,
		ContentType:          models.ContentType(d.ContentType),
		ContentReason:        d.ContentReason,
		ContentStrategy:      d.ContentStrategy,
		ShadowContent:        models.ContentType(d.ShadowContent),
		Context:              d.Context.V,
	}
}

// ComprehensiveOutcome is the staged outcome row of one shown intervention.
type ComprehensiveOutcome struct {
	InterventionID string `gorm:"primaryKey;type:varchar(64)"`
	SessionID      string `gorm:"index"`
	AppID          string `gorm:"index;not null"`
	ContentType    string `gorm:"type:varchar(32);not null"`
	ContextBucket  string `gorm:"type:varchar(64)"`
	ShownAt        string `gorm:"not null"`
	ShownAtEpoch   int64  `gorm:"index:idx_outcomes_shown,sort:desc;not null"`
	ShownHour      int    `gorm:"index:idx_outcomes_app_hour"`

	Response          sql.NullString `gorm:"type:varchar(16)"`
	ResponseLatencyMs int64          `gorm:"default:0"`
	Feedback          string         `gorm:"type:varchar(16)"`

	ReopenedWithin30m  bool  `gorm:"column:reopened_within_30m;default:false"`
	MinutesUntilReopen int   `gorm:"default:0"`
	UsageRestOfDayMs   int64 `gorm:"default:0"`
	GoalMetToday       bool  `gorm:"default:false"`
	WeeklyUsageBefore  int64 `gorm:"default:0"`
	WeeklyUsageAfter   int64 `gorm:"default:0"`
	UsageChangePct     float64

	ProximalCollected bool `gorm:"default:false;index:idx_outcomes_status,priority:1"`
	ShortCollected    bool `gorm:"default:false;index:idx_outcomes_status,priority:2"`
	MediumCollected   bool `gorm:"default:false;index:idx_outcomes_status,priority:3"`
	LongCollected     bool `gorm:"default:false;index:idx_outcomes_status,priority:4"`

	RewardScore   sql.NullFloat64
	RewardApplied bool `gorm:"default:false;index"`

	SweepAttempts  int `gorm:"default:0"`
	LastSweepError string
}

func (ComprehensiveOutcome) TableName() string { return "comprehensive_outcomes" }

func (o ComprehensiveOutcome) toModel() models.ComprehensiveOutcome {
	out := models.ComprehensiveOutcome{
		InterventionID:  o.InterventionID,
		SessionID:       o.SessionID,
		AppID:           o.AppID,
		ContentType:     models.ContentType(o.ContentType),
		ContextBucket:   o.ContextBucket,
		ShownAt:         time.UnixMilli(o.ShownAtEpoch),
		Response:        models.UserResponse(o.Response.String),
		ResponseLatency: time.Duration(o.ResponseLatencyMs) * time.Millisecond,
		Feedback:        models.Feedback(o.Feedback),
		Short: models.ShortTermResult{
			ReopenedWithin30m:  o.ReopenedWithin30m,
			MinutesUntilReopen: o.MinutesUntilReopen,
		},
		Medium: models.MediumTermResult{
			UsageRestOfDay: time.Duration(o.UsageRestOfDayMs) * time.Millisecond,
			GoalMetToday:   o.GoalMetToday,
		},
		Long: models.LongTermResult{
			WeeklyUsageBefore: time.Duration(o.WeeklyUsageBefore) * time.Millisecond,
			WeeklyUsageAfter:  time.Duration(o.WeeklyUsageAfter) * time.Millisecond,
			UsageChangePct:    o.UsageChangePct,
		},
		ProximalCollected: o.ProximalCollected,
		ShortCollected:    o.ShortCollected,
		MediumCollected:   o.MediumCollected,
		LongCollected:     o.LongCollected,
		RewardApplied:     o.RewardApplied,
		SweepAttempts:     o.SweepAttempts,
		LastSweepError:    o.LastSweepError,
	}
	if o.RewardScore.Valid {
		r := o.RewardScore.Float64
		out.RewardScore = &r
	}
	return out
}

// ContentArm holds bandit statistics for one content type and bucket.
type ContentArm struct {
	ID                int64   `gorm:"primaryKey;autoIncrement"`
	ContentType       string  `gorm:"type:varchar(32);uniqueIndex:idx_arms_type_bucket,priority:1;not null"`
	Bucket            string  `gorm:"type:varchar(64);uniqueIndex:idx_arms_type_bucket,priority:2;not null;default:''"`
	Successes         float64 `gorm:"type:real;default:0"`
	Failures          float64 `gorm:"type:real;default:0"`
	Pulls             int64   `gorm:"default:0"`
	LastRewardAtEpoch sql.NullInt64
}

func (ContentArm) TableName() string { return "content_arms" }

func (a ContentArm) toModel() models.ContentArm {
	out := models.ContentArm{
		ContentType: models.ContentType(a.ContentType),
		Bucket:      a.Bucket,
		Successes:   a.Successes,
		Failures:    a.Failures,
		Pulls:       a.Pulls,
	}
	if a.LastRewardAtEpoch.Valid {
		out.LastRewardAt = time.UnixMilli(a.LastRewardAtEpoch.Int64)
	}
	return out
}

// DailyStat is one aggregated row per local day and app.
type DailyStat struct {
	ID                   int64  `gorm:"primaryKey;autoIncrement"`
	Date                 string `gorm:"type:varchar(10);uniqueIndex:idx_daily_stats_date_app,priority:1;not null"`
	AppID                string `gorm:"uniqueIndex:idx_daily_stats_date_app,priority:2;not null"`
	Sessions             int    `gorm:"default:0"`
	TotalDurationMs      int64  `gorm:"default:0"`
	InterventionsShown   int    `gorm:"default:0"`
	InterventionsSkipped int    `gorm:"default:0"`
	GoBacks              int    `gorm:"default:0"`
	UpdatedAtEpoch       int64  `gorm:"not null"`
}

func (DailyStat) TableName() string { return "daily_stats" }

// BeforeSave hook keeps the update timestamp current.
func (d *DailyStat) BeforeSave(tx *gorm.DB) error {
	d.UpdatedAtEpoch = time.Now().UnixMilli()
	return nil
}

func (d DailyStat) toModel() models.DailyStats {
	return models.DailyStats{
		Date:                 d.Date,
		AppID:                d.AppID,
		Sessions:             d.Sessions,
		TotalDuration:        time.Duration(d.TotalDurationMs) * time.Millisecond,
		InterventionsShown:   d.InterventionsShown,
		InterventionsSkipped: d.InterventionsSkipped,
		GoBacks:              d.GoBacks,
	}
}

// TrackerState is the single-row snapshot of the in-flight session.
type TrackerState struct {
	ID           int    `gorm:"primaryKey"`
	Snapshot     string `gorm:"type:text;not null"`
	SavedAtEpoch int64  `gorm:"not null"`
}

func (TrackerState) TableName() string { return "tracker_state" }
