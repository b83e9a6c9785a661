package progress

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-candidate/internal/model"
)

// Recorder binds a Store to one attempt. The draft is restored at most once, mirrored on
// every non-empty change, and cleared at most once. Writes and the clear are serialized, so
// a clear lands after any write in flight and nothing is written after it.
type Recorder struct {
	store       Store
	examID      string
	candidateID string
	log         zerolog.Logger

	// write orders Record against Clear; mu guards the flags.
	write    sync.Mutex
	mu       sync.Mutex
	restored bool
	cleared  bool
}

// NewRecorder creates a Recorder for the attempt (examID, candidateID).
func NewRecorder(store Store, examID, candidateID string, log zerolog.Logger) *Recorder {
	return &Recorder{
		store:       store,
		examID:      examID,
		candidateID: candidateID,
		log:         log.With().Str("component", "progress").Logger(),
	}
}

// Restore reads the stored draft, keeping only answers to questions in ids. Calls after the
// first return an empty draft.
func (r *Recorder) Restore(ctx context.Context, ids map[string]struct{}) (model.AnswerDraft, error) {
	r.mu.Lock()
	if r.restored || r.cleared {
		r.mu.Unlock()
		return model.AnswerDraft{}, nil
	}
	r.restored = true
	r.mu.Unlock()

	draft, err := r.store.Load(ctx, r.examID, r.candidateID)
	if err != nil {
		return model.AnswerDraft{}, err
	}
	kept := draft.Restrict(ids)
	if dropped := len(draft) - len(kept); dropped > 0 {
		r.log.Debug().Int("dropped", dropped).Msg("Discarded answers to unknown questions")
	}
	return kept, nil
}

// Record mirrors draft to the store. Empty drafts are skipped.
func (r *Recorder) Record(ctx context.Context, draft model.AnswerDraft) error {
	if len(draft) == 0 {
		return nil
	}
	r.write.Lock()
	defer r.write.Unlock()
	if r.isCleared() {
		return nil
	}
	return r.store.Save(ctx, r.examID, r.candidateID, draft)
}

// Clear removes the stored draft. Only the first call touches the store.
func (r *Recorder) Clear(ctx context.Context) error {
	r.write.Lock()
	defer r.write.Unlock()
	r.mu.Lock()
	if r.cleared {
		r.mu.Unlock()
		return nil
	}
	r.cleared = true
	r.mu.Unlock()
	return r.store.Clear(ctx, r.examID, r.candidateID)
}

func (r *Recorder) isCleared() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cleared
}
