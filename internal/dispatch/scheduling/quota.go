package scheduling

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/dispatchproject/dispatch/internal/dispatch/configuration"
	"github.com/dispatchproject/dispatch/internal/dispatch/repository"
	"github.com/dispatchproject/dispatch/pkg/api"
)

const rootNamespaceCacheSize = 4096

// QuotaTracker gates shared-runner admission by a namespace's compute
// budget. It is a pure read path: consumption is incremented by the
// billing pipeline elsewhere, never here.
//
// Budgets belong to root namespaces. A limit set directly on a
// sub-namespace is ignored and the root ancestor's limit governs; this
// mirrors long-standing billing behaviour and is deliberate.
type QuotaTracker struct {
	namespaces repository.NamespaceRepository
	usage      repository.QuotaRepository
	config     configuration.QuotaConfig

	// rootIds caches namespace id → root ancestor id. The hierarchy
	// changes rarely; matching reads it on every candidate.
	rootIds *lru.Cache
}

func NewQuotaTracker(
	namespaces repository.NamespaceRepository,
	usage repository.QuotaRepository,
	config configuration.QuotaConfig,
) *QuotaTracker {
	cache, err := lru.New(rootNamespaceCacheSize)
	if err != nil {
		panic(err)
	}
	return &QuotaTracker{
		namespaces: namespaces,
		usage:      usage,
		config:     config,
		rootIds:    cache,
	}
}

// OverQuota reports whether the namespace's root ancestor has exhausted
// its budget, with the runner's cost factor for the job's visibility
// applied. A zero cost factor never exhausts a budget, and neither does a
// zero (unlimited) limit. The boundary is inclusive: consumed seconds
// equal to the budget means over quota.
func (t *QuotaTracker) OverQuota(namespaceId string, costFactor float64) (bool, error) {
	if costFactor <= 0 {
		return false, nil
	}

	root, err := t.rootAncestor(namespaceId)
	if err != nil {
		return false, err
	}

	limit := t.config.DefaultSecondsLimit
	if root.SecondsLimit != nil {
		limit = *root.SecondsLimit
	}
	if limit == 0 {
		return false, nil
	}

	used, err := t.usage.GetUsedSeconds(root.Id)
	if err != nil {
		return false, errors.WithMessage(err, "reading namespace usage")
	}

	return float64(used)*costFactor >= float64(limit+root.ExtraSeconds), nil
}

// rootAncestor walks parent links up to the root namespace.
func (t *QuotaTracker) rootAncestor(namespaceId string) (*api.Namespace, error) {
	if rootId, ok := t.rootIds.Get(namespaceId); ok {
		return t.namespaces.GetNamespace(rootId.(string))
	}

	id := namespaceId
	seen := map[string]bool{}
	for {
		if seen[id] {
			return nil, errors.Errorf("namespace hierarchy contains a cycle at %q", id)
		}
		seen[id] = true

		namespace, err := t.namespaces.GetNamespace(id)
		if err != nil {
			return nil, err
		}
		if namespace.IsRoot() {
			t.rootIds.Add(namespaceId, namespace.Id)
			return namespace, nil
		}
		id = namespace.ParentId
	}
}
