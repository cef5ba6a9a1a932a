package discovery

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civicsignal/billcost/internal/model"
	"github.com/civicsignal/billcost/internal/store"
)

// Promote approves a proposed candidate and creates the corresponding
// Source. The new source starts in review status so the scheduler skips
// it until an operator activates it.
func Promote(ctx context.Context, st store.Store, candidateID string) (*model.Source, error) {
	candidates, err := st.ListCandidates(ctx, model.CandidateProposed)
	if err != nil {
		return nil, eris.Wrap(err, "promote: list candidates")
	}

	var cand *model.SourceCandidate
	for i := range candidates {
		if candidates[i].ID == candidateID {
			cand = &candidates[i]
			break
		}
	}
	if cand == nil {
		return nil, eris.Wrapf(store.ErrNotFound, "promote: proposed candidate %s", candidateID)
	}

	src, err := st.CreateSource(ctx, model.Source{
		JurisdictionID: cand.JurisdictionID,
		URL:            cand.URL,
		Category:       cand.Category,
		Method:         GuessMethod(cand.URL),
		Status:         model.SourceReview,
	})
	if err != nil {
		return nil, eris.Wrap(err, "promote: create source")
	}

	if err := st.UpdateCandidateStatus(ctx, cand.ID, model.CandidateApproved); err != nil {
		return nil, eris.Wrap(err, "promote: mark approved")
	}

	zap.L().Info("discovery: candidate promoted",
		zap.String("candidate_id", cand.ID),
		zap.String("source_id", src.ID),
		zap.String("url", src.URL),
	)
	return src, nil
}

// Reject marks a proposed candidate rejected.
func Reject(ctx context.Context, st store.Store, candidateID string) error {
	if err := st.UpdateCandidateStatus(ctx, candidateID, model.CandidateRejected); err != nil {
		return eris.Wrap(err, "reject: mark rejected")
	}
	return nil
}
