package registry

import (
	"github.com/civicsignal/billcost/internal/model"
)

// Plan is the resolved acquisition order for one jurisdiction. Primary
// sources are attempted first; Fallback sources are attempted only when
// every primary source fails or returns nothing. When Merge is set both
// groups are fetched and their results combined, with primary (API)
// values winning on conflict.
type Plan struct {
	Primary  []model.Source
	Fallback []model.Source
	Merge    bool
}

// Empty reports whether the plan has no sources to attempt.
func (p Plan) Empty() bool {
	return len(p.Primary) == 0 && len(p.Fallback) == 0
}

// Resolve builds the acquisition plan for a jurisdiction from its
// sources. Broken and review sources never appear in a plan; manual
// sources are excluded from automated sweeps entirely. An unset priority
// defaults to api_first.
func Resolve(j model.Jurisdiction, sources []model.Source) Plan {
	var api, web []model.Source
	for _, s := range sources {
		if s.Status != model.SourceActive {
			continue
		}
		switch s.Method {
		case model.MethodAPI:
			api = append(api, s)
		case model.MethodScrape:
			web = append(web, s)
		}
	}

	switch j.SourcePriority {
	case model.PriorityAPIOnly:
		return Plan{Primary: api}
	case model.PriorityWebOnly:
		return Plan{Primary: web}
	case model.PriorityWebFirst:
		return Plan{Primary: web, Fallback: api}
	case model.PriorityBothMerge:
		return Plan{Primary: api, Fallback: web, Merge: true}
	default:
		return Plan{Primary: api, Fallback: web}
	}
}
