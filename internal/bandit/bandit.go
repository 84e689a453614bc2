// Package bandit selects intervention content with contextual Thompson sampling.
package bandit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/pausepoint/internal/async"
	"github.com/thebtf/pausepoint/pkg/models"
)

// Mode decides which selector serves content.
type Mode string

const (
	ModeRule   Mode = "rule"
	ModeBandit Mode = "bandit"
	// ModeShadow serves the rule choice and logs the bandit prediction.
	ModeShadow Mode = "shadow"
)

// ParseMode validates a configured mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeRule, ModeBandit, ModeShadow:
		return m, nil
	}
	return "", fmt.Errorf("unknown bandit mode %q", s)
}

// DefaultMinBucketPulls is the pull count at which a bucket arm replaces the global arm.
const DefaultMinBucketPulls = 5

// GlobalBucket is the bucket key of the context-free arms.
const GlobalBucket = ""

// Attribution bookkeeping limits. Outcome rows carry the content and bucket
// and RewardApplied guards against double rewards, so forgetting old
// entries only costs a store round trip.
const (
	maxPending  = 4096
	maxRewarded = 4096
)

// ArmStore persists arm statistics.
type ArmStore interface {
	LoadArms(ctx context.Context) ([]models.ContentArm, error)
	SaveArm(ctx context.Context, arm models.ContentArm) error
}

// Bucket returns the context partition key for a decision.
func Bucket(c models.InterventionContext, p models.Persona) string {
	return string(c.TimeOfDay()) + "/" + string(p)
}

// Selection is the chosen content and how it was chosen.
type Selection struct {
	ContentType models.ContentType
	Bucket      string
	Strategy    Mode
	Reason      string
	// Shadow is the bandit's pick in shadow mode.
	Shadow models.ContentType
	// Samples are the Thompson draws per arm, empty in rule mode.
	Samples map[models.ContentType]float64
}

type armKey struct {
	content models.ContentType
	bucket  string
}

type attribution struct {
	content models.ContentType
	bucket  string
}

// Option configures a Bandit.
type Option func(*Bandit)

func WithMode(m Mode) Option { return func(b *Bandit) { b.mode = m } }

func WithSampler(s Sampler) Option { return func(b *Bandit) { b.sampler = s } }

func WithMinBucketPulls(n int64) Option { return func(b *Bandit) { b.minBucketPulls = n } }

func WithNow(now func() time.Time) Option { return func(b *Bandit) { b.now = now } }

// WithWriter persists arm updates through w instead of inline.
func WithWriter(w async.Submitter) Option { return func(b *Bandit) { b.writer = w } }

// Bandit keeps one Beta posterior per (content type, bucket).
type Bandit struct {
	store          ArmStore
	sampler        Sampler
	rules          RuleSelector
	mode           Mode
	minBucketPulls int64
	now            func() time.Time
	writer         async.Submitter

	mu       sync.Mutex
	arms     map[armKey]*models.ContentArm
	pending  *boundedMap[string, attribution]
	rewarded *boundedMap[string, struct{}]

	// saveMu orders store writes so the last one carries the newest state.
	saveMu sync.Mutex
}

func New(store ArmStore, opts ...Option) *Bandit {
	b := &Bandit{
		store:          store,
		sampler:        NewRandSampler(uint64(time.Now().UnixNano())),
		mode:           ModeBandit,
		minBucketPulls: DefaultMinBucketPulls,
		now:            time.Now,
		arms:           make(map[armKey]*models.ContentArm),
		pending:        newBoundedMap[string, attribution](maxPending),
		rewarded:       newBoundedMap[string, struct{}](maxRewarded),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.writer == nil {
		b.writer = async.Sync{Reporter: async.LogReporter{}}
	}
	return b
}

// Mode returns the active selection mode.
func (b *Bandit) Mode() Mode { return b.mode }

// Load replaces in-memory arms with the persisted ones.
func (b *Bandit) Load(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	arms, err := b.store.LoadArms(ctx)
	if err != nil {
		return fmt.Errorf("load arms: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range arms {
		if !a.ContentType.Valid() {
			log.Warn().Str("content", string(a.ContentType)).Msg("Skipping unknown content arm")
			continue
		}
		arm := a
		b.arms[armKey{a.ContentType, a.Bucket}] = &arm
	}
	log.Debug().Int("arms", len(arms)).Msg("Bandit arms loaded")
	return nil
}

// Arms returns a copy of every known arm.
func (b *Bandit) Arms() []models.ContentArm {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.ContentArm, 0, len(b.arms))
	for _, a := range b.arms {
		out = append(out, *a)
	}
	return out
}

func (b *Bandit) arm(content models.ContentType, bucket string) *models.ContentArm {
	k := armKey{content, bucket}
	a, ok := b.arms[k]
	if !ok {
		a = &models.ContentArm{ContentType: content, Bucket: bucket}
		b.arms[k] = a
	}
	return a
}

// Select picks content for a SHOW and registers a pending reward
// attribution under interventionID. Arm updates are persisted in the
// background.
func (b *Bandit) Select(_ context.Context, interventionID string, c models.InterventionContext, p models.Persona) Selection {
	bucket := Bucket(c, p)
	sel := Selection{Bucket: bucket, Strategy: b.mode}

	b.mu.Lock()
	switch b.mode {
	case ModeRule:
		sel.ContentType, sel.Reason = b.rules.Select(c, p)
	case ModeShadow:
		sel.ContentType, sel.Reason = b.rules.Select(c, p)
		sel.Shadow, _, sel.Samples = b.thompson(bucket)
	default:
		sel.ContentType, sel.Reason, sel.Samples = b.thompson(bucket)
	}

	global := b.arm(sel.ContentType, GlobalBucket)
	local := b.arm(sel.ContentType, bucket)
	global.Pulls++
	local.Pulls++
	b.pending.put(interventionID, attribution{content: sel.ContentType, bucket: bucket})
	b.mu.Unlock()

	b.save(armKey{sel.ContentType, GlobalBucket}, armKey{sel.ContentType, bucket})
	return sel
}

// thompson must be called with mu held.
func (b *Bandit) thompson(bucket string) (models.ContentType, string, map[models.ContentType]float64) {
	samples := make(map[models.ContentType]float64, len(models.AllContentTypes))
	var (
		best      models.ContentType
		bestDraw  = -1.0
		bestLocal bool
	)
	for _, content := range models.AllContentTypes {
		a, local := b.posterior(content, bucket)
		draw := b.sampler.Beta(a.Successes+1, a.Failures+1)
		samples[content] = draw
		if draw > bestDraw {
			best, bestDraw, bestLocal = content, draw, local
		}
	}
	scope := "global"
	if bestLocal {
		scope = "bucket " + bucket
	}
	return best, fmt.Sprintf("thompson %.3f (%s)", bestDraw, scope), samples
}

// posterior returns the bucket arm once it has enough pulls, else the global arm.
func (b *Bandit) posterior(content models.ContentType, bucket string) (models.ContentArm, bool) {
	if a, ok := b.arms[armKey{content, bucket}]; ok && a.Pulls >= b.minBucketPulls {
		return *a, true
	}
	if a, ok := b.arms[armKey{content, GlobalBucket}]; ok {
		return *a, false
	}
	return models.ContentArm{ContentType: content}, false
}

// Reward applies r in [0,1] to the global and bucket arms of a pending
// intervention. A second reward for the same intervention is a no-op.
func (b *Bandit) Reward(_ context.Context, interventionID string, r float64) error {
	b.mu.Lock()
	if _, done := b.rewarded.get(interventionID); done {
		b.mu.Unlock()
		return nil
	}
	att, ok := b.pending.get(interventionID)
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("reward %s: %w", interventionID, models.ErrNotFound)
	}
	keys := b.applyLocked(att, r)
	b.pending.remove(interventionID)
	b.rewarded.put(interventionID, struct{}{})
	b.mu.Unlock()

	b.save(keys...)
	return nil
}

// ApplyReward rewards the arms recorded on an outcome row. It covers
// interventions selected before a restart, whose attribution is no longer
// pending in memory.
func (b *Bandit) ApplyReward(ctx context.Context, o models.ComprehensiveOutcome, r float64) error {
	if !o.ContentType.Valid() {
		return fmt.Errorf("reward %s: %w", o.InterventionID, models.ErrUnknownContent)
	}
	b.mu.Lock()
	_, pending := b.pending.get(o.InterventionID)
	_, done := b.rewarded.get(o.InterventionID)
	if !pending && !done {
		b.pending.put(o.InterventionID, attribution{content: o.ContentType, bucket: o.ContextBucket})
	}
	b.mu.Unlock()
	return b.Reward(ctx, o.InterventionID, r)
}

func (b *Bandit) applyLocked(att attribution, r float64) []armKey {
	if r < 0 {
		r = 0
	}
	if r > 1 {
		r = 1
	}
	now := b.now()
	buckets := []string{GlobalBucket}
	if att.bucket != GlobalBucket {
		buckets = append(buckets, att.bucket)
	}
	out := make([]armKey, 0, len(buckets))
	for _, bucket := range buckets {
		a := b.arm(att.content, bucket)
		a.Successes += r
		a.Failures += 1 - r
		a.LastRewardAt = now
		out = append(out, armKey{att.content, bucket})
	}
	return out
}

// save persists the arms under keys through the writer. Each write copies
// the newest in-memory state when it runs, not when it was queued.
func (b *Bandit) save(keys ...armKey) {
	if b.store == nil {
		return
	}
	b.writer.Submit("persist content arms", func(ctx context.Context) error {
		b.saveMu.Lock()
		defer b.saveMu.Unlock()

		b.mu.Lock()
		arms := make([]models.ContentArm, 0, len(keys))
		for _, k := range keys {
			if a, ok := b.arms[k]; ok {
				arms = append(arms, *a)
			}
		}
		b.mu.Unlock()

		var errs []error
		for _, a := range arms {
			if err := b.store.SaveArm(ctx, a); err != nil {
				errs = append(errs, fmt.Errorf("save arm %s/%s: %w", a.ContentType, a.Bucket, err))
			}
		}
		return errors.Join(errs...)
	})
}
