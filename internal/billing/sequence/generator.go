package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// CounterStore persists counters. Implementations must make Next atomic per key.
type CounterStore interface {
	// Next increments the counter for key and returns the new value. When the
	// counter does not exist yet, bootstrap supplies the first value to issue.
	Next(ctx context.Context, key Key, bootstrap func(context.Context) (int, error)) (int, error)
	// Observe raises the counter for key to at least value.
	Observe(ctx context.Context, key Key, value int) error
}

// Scanner looks up already stored document numbers.
type Scanner interface {
	// LastIssued returns the highest stored number of kind starting with prefix.
	LastIssued(ctx context.Context, kind Kind, prefix string) (string, bool, error)
}

// Observer receives allocation telemetry.
type Observer interface {
	NumberIssued(kind, variant string)
	NumberCollision(kind string)
}

// Options tunes a Generator.
type Options struct {
	MaxAttempts int
	Location    *time.Location
	Now         func() time.Time
	Observer    Observer
	Logger      *slog.Logger
}

// Generator allocates document numbers.
type Generator struct {
	store       CounterStore
	scanner     Scanner
	maxAttempts int
	loc         *time.Location
	now         func() time.Time
	observer    Observer
	logger      *slog.Logger
}

// NewGenerator constructs a Generator. scanner may be nil, in which case new
// counters start from their seed.
func NewGenerator(store CounterStore, scanner Scanner, opts Options) *Generator {
	g := &Generator{
		store:       store,
		scanner:     scanner,
		maxAttempts: opts.MaxAttempts,
		loc:         opts.Location,
		now:         opts.Now,
		observer:    opts.Observer,
		logger:      opts.Logger,
	}
	if g.maxAttempts < 1 {
		g.maxAttempts = 5
	}
	if g.loc == nil {
		g.loc = time.UTC
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// Period returns the current numbering period for kind.
func (g *Generator) Period(kind Kind) string {
	return PeriodKey(kind, g.now().In(g.loc))
}

// NextNumber allocates the next number for kind within periodKey.
func (g *Generator) NextNumber(ctx context.Context, kind Kind, periodKey string) (string, error) {
	switch kind {
	case KindWorkOrder:
		base := Key{Kind: kind, Period: periodKey, Variant: VariantWorkOrder}
		seq, err := g.next(ctx, base)
		if err != nil {
			return "", err
		}
		if seq <= MaxSequence {
			return g.issued(base, seq), nil
		}
		overflow := Key{Kind: kind, Period: periodKey, Variant: VariantWorkOrderOverflow}
		seq, err = g.next(ctx, overflow)
		if err != nil {
			return "", err
		}
		if seq > MaxSequence {
			return "", fmt.Errorf("%w: %s has no numbers left", ErrSequenceExhausted, overflow)
		}
		return g.issued(overflow, seq), nil
	case KindInvoice:
		key := Key{Kind: kind, Period: periodKey, Variant: VariantInvoice}
		seq, err := g.next(ctx, key)
		if err != nil {
			return "", err
		}
		return g.issued(key, seq), nil
	default:
		return "", fmt.Errorf("sequence: unknown kind %q", kind)
	}
}

// Assign allocates a number for the current period and hands it to persist.
// Collisions reported through ErrDuplicateNumber resynchronise the counter and
// retry until the attempt budget is spent.
func (g *Generator) Assign(ctx context.Context, kind Kind, persist func(context.Context, string) error) (string, error) {
	period := g.Period(kind)
	var lastErr error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		number, err := g.NextNumber(ctx, kind, period)
		if err != nil {
			return "", err
		}
		err = persist(ctx, number)
		if err == nil {
			return number, nil
		}
		if !errors.Is(err, ErrDuplicateNumber) {
			return "", err
		}
		lastErr = err
		if g.observer != nil {
			g.observer.NumberCollision(string(kind))
		}
		g.logger.Warn("document number collision",
			slog.String("kind", string(kind)),
			slog.String("number", number),
			slog.Int("attempt", attempt))
		if err := g.resync(ctx, number); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s after %d attempts: %w", ErrSequenceExhausted, kind, g.maxAttempts, lastErr)
}

// Observe raises the counter owning number so future allocations skip it.
func (g *Generator) Observe(ctx context.Context, number string) error {
	n, err := Parse(number)
	if err != nil {
		return err
	}
	return g.store.Observe(ctx, n.Key, n.Seq)
}

func (g *Generator) next(ctx context.Context, key Key) (int, error) {
	seq, err := g.store.Next(ctx, key, func(ctx context.Context) (int, error) {
		return g.bootstrap(ctx, key)
	})
	if err != nil {
		return 0, fmt.Errorf("sequence: next %s: %w", key, err)
	}
	return seq, nil
}

// bootstrap derives the first value of a new counter from stored documents.
func (g *Generator) bootstrap(ctx context.Context, key Key) (int, error) {
	if g.scanner == nil {
		return key.seed(), nil
	}
	last, ok, err := g.scanner.LastIssued(ctx, key.Kind, key.Prefix())
	if err != nil {
		return 0, err
	}
	if !ok {
		return key.seed(), nil
	}
	n, err := Parse(last)
	if err != nil || n.Key != key {
		g.logger.Warn("unparseable last document number, restarting at 1",
			slog.String("key", key.String()),
			slog.String("number", last))
		return 1, nil
	}
	return n.Seq + 1, nil
}

// resync moves the counter past the collided number and anything stored above it.
func (g *Generator) resync(ctx context.Context, collided string) error {
	n, err := Parse(collided)
	if err != nil {
		return err
	}
	highest := n.Seq
	if g.scanner != nil {
		last, ok, err := g.scanner.LastIssued(ctx, n.Kind, n.Prefix())
		if err != nil {
			return fmt.Errorf("sequence: resync %s: %w", n.Key, err)
		}
		if ok {
			if stored, err := Parse(last); err == nil && stored.Key == n.Key && stored.Seq > highest {
				highest = stored.Seq
			}
		}
	}
	if err := g.store.Observe(ctx, n.Key, highest); err != nil {
		return fmt.Errorf("sequence: resync %s: %w", n.Key, err)
	}
	return nil
}

func (g *Generator) issued(key Key, seq int) string {
	if g.observer != nil {
		g.observer.NumberIssued(string(key.Kind), key.Variant)
	}
	return Format(key, seq)
}
