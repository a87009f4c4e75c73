package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/craftlane/fulfillment/internal/platform/firestore"
	"github.com/craftlane/fulfillment/internal/repositories"
)

const sequencesCollection = "sequences"

// sequenceDocument is the stored shape of one monotonic sequence. Order
// numbers are the main tenant; the internal counter endpoint can mint others.
type sequenceDocument struct {
	Value     int64     `firestore:"value"`
	Step      int64     `firestore:"step"`
	Ceiling   *int64    `firestore:"ceiling,omitempty"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// advance moves the sequence forward by step, reporting false once the
// ceiling would be crossed.
func (d *sequenceDocument) advance(step int64) (int64, bool) {
	next := d.Value + step
	if d.Ceiling != nil && next > *d.Ceiling {
		return 0, false
	}
	d.Value = next
	d.Step = step
	return next, true
}

// CounterRepository hands out gap-tolerant monotonic values from Firestore.
// Every advance runs in its own transaction; concurrent callers each see a
// distinct value.
type CounterRepository struct {
	provider  *pfirestore.Provider
	sequences *pfirestore.BaseRepository[sequenceDocument]
}

// NewCounterRepository constructs a Firestore-backed counter repository.
func NewCounterRepository(provider *pfirestore.Provider) (*CounterRepository, error) {
	if provider == nil {
		return nil, errors.New("counter repository: firestore provider is required")
	}
	return &CounterRepository{
		provider:  provider,
		sequences: pfirestore.NewBaseRepository[sequenceDocument](provider, sequencesCollection, nil, nil),
	}, nil
}

// Next advances the sequence and returns the freshly allocated value. An
// unknown counter id seeds a new sequence at step, so the first order number
// a deployment allocates needs no provisioning.
func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if r == nil || r.provider == nil {
		return 0, errors.New("counter repository not initialised")
	}
	id := strings.TrimSpace(counterID)
	if id == "" {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter id is required", nil)
	}
	if step < 0 {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, fmt.Sprintf("step for %s must not be negative, got %d", id, step), nil)
	}

	now := time.Now().UTC()
	var allocated int64

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.sequences.DocumentRef(ctx, id)
		if err != nil {
			return err
		}

		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			allocated = seedStep(step)
			return tx.Create(ref, sequenceDocument{
				Value:     allocated,
				Step:      seedStep(step),
				UpdatedAt: now,
			})
		}
		if err != nil {
			return err
		}

		var doc sequenceDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode sequence %s: %w", id, err)
		}

		effective := step
		if effective <= 0 {
			effective = doc.Step
		}
		if effective <= 0 {
			effective = 1
		}

		next, ok := doc.advance(effective)
		if !ok {
			return repositories.NewCounterError(repositories.CounterErrorExhausted, fmt.Sprintf("sequence %s reached its ceiling of %d", id, *doc.Ceiling), nil)
		}
		doc.UpdatedAt = now

		if err := tx.Set(ref, doc, firestore.MergeAll); err != nil {
			return err
		}
		allocated = next
		return nil
	})
	if err != nil {
		var counterErr *repositories.CounterError
		if errors.As(err, &counterErr) {
			return 0, counterErr
		}
		return 0, pfirestore.WrapError("sequences.next", err)
	}
	return allocated, nil
}

// Configure merges step, ceiling, and reseed value onto the sequence without
// reading it first. Operations uses this to pre-stage yearly order number
// ranges.
func (r *CounterRepository) Configure(ctx context.Context, counterID string, cfg repositories.CounterConfig) error {
	if r == nil || r.provider == nil {
		return errors.New("counter repository not initialised")
	}
	id := strings.TrimSpace(counterID)
	if id == "" {
		return repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter id is required", nil)
	}

	fields := map[string]any{
		"updatedAt": time.Now().UTC(),
	}
	if cfg.Step > 0 {
		fields["step"] = cfg.Step
	}
	if cfg.MaxValue != nil {
		fields["ceiling"] = *cfg.MaxValue
	}
	if cfg.InitialValue != nil {
		fields["value"] = *cfg.InitialValue
	}

	ref, err := r.sequences.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Set(ctx, fields, firestore.MergeAll); err != nil {
		return pfirestore.WrapError("sequences.configure", err)
	}
	return nil
}

func seedStep(step int64) int64 {
	if step <= 0 {
		return 1
	}
	return step
}
