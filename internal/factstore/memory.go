package factstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fliws/immortyx/internal/model"
)

// Memory is a mutex-guarded in-process Store. It is the default for tests
// and for runs without persistence.
type Memory struct {
	mu sync.RWMutex

	docs        map[string]model.DocumentRecord
	docOrder    []string
	identifiers map[string]string // identifier key -> doc hash
	facts       map[string]*model.StructuredFact
	docFacts    map[string][]string
	edges       map[string]*model.CitationEdge
	edgeOrder   []string
	authors     map[string]*model.AuthorIdentity
	pending     map[string]model.PendingResolution
	reclass     map[string][]model.ReclassificationEvent
	lastCommit  time.Time

	now func() time.Time
}

// NewMemory returns an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		docs:        make(map[string]model.DocumentRecord),
		identifiers: make(map[string]string),
		facts:       make(map[string]*model.StructuredFact),
		docFacts:    make(map[string][]string),
		edges:       make(map[string]*model.CitationEdge),
		authors:     make(map[string]*model.AuthorIdentity),
		pending:     make(map[string]model.PendingResolution),
		reclass:     make(map[string][]model.ReclassificationEvent),
		now:         time.Now,
	}
}

// Commit implements Store
func (m *Memory) Commit(ctx context.Context, req CommitRequest) error {
	if err := validateCommit(req); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	hash := req.Document.ContentHash
	if _, exists := m.docs[hash]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, hash)
	}
	for _, f := range req.Facts {
		if _, exists := m.facts[f.FactID]; exists {
			return fmt.Errorf("%w: fact id %s already used", ErrInvalid, f.FactID)
		}
	}
	if err := m.checkAuthorOpsLocked(req.AuthorOps); err != nil {
		return err
	}

	now := m.now()
	doc := req.Document
	if doc.CommittedAt.IsZero() {
		doc.CommittedAt = now
	}
	m.docs[hash] = doc
	m.docOrder = append(m.docOrder, hash)
	for _, id := range doc.Identifiers {
		if _, taken := m.identifiers[id]; !taken {
			m.identifiers[id] = hash
		}
	}

	for i := range req.Facts {
		f := req.Facts[i]
		f.Authors = append([]model.AuthorRef(nil), f.Authors...)
		m.facts[f.FactID] = &f
		m.docFacts[hash] = append(m.docFacts[hash], f.FactID)
	}

	for i := range req.Edges {
		e := req.Edges[i]
		m.edges[e.EdgeID] = &e
		m.edgeOrder = append(m.edgeOrder, e.EdgeID)
	}
	for _, e := range m.edges {
		if e.Resolved() || !containsString(doc.Identifiers, e.TargetKey) {
			continue
		}
		if from, ok := m.facts[e.FromFactID]; ok && from.SourceDocHash == hash {
			continue
		}
		e.ToDocHash = hash
		e.ToFactID = doc.AnchorFactID
	}

	for _, op := range req.AuthorOps {
		m.applyAuthorOpLocked(op)
	}

	m.lastCommit = now
	return nil
}

func (m *Memory) checkAuthorOpsLocked(ops []model.AuthorOp) error {
	for _, op := range ops {
		switch op.Kind {
		case model.AuthorOpLink:
			a, ok := m.authors[op.AuthorID]
			if !ok || a.MergedInto != "" {
				return fmt.Errorf("%w: identity %s is gone", ErrConflict, op.AuthorID)
			}
		case model.AuthorOpCreate, model.AuthorOpDefer:
			if _, exists := m.authors[op.AuthorID]; exists {
				return fmt.Errorf("%w: identity %s already exists", ErrInvalid, op.AuthorID)
			}
			if op.NameKey != "" && m.countLiveLocked(op.NameKey) != op.Observed {
				return fmt.Errorf("%w: identities under %q changed", ErrConflict, op.NameKey)
			}
		}
	}
	return nil
}

func (m *Memory) applyAuthorOpLocked(op model.AuthorOp) {
	switch op.Kind {
	case model.AuthorOpCreate, model.AuthorOpDefer:
		id := op.Identity
		id.AuthorID = op.AuthorID
		id.Aliases = appendUnique(nil, id.Aliases...)
		id.Affiliations = appendUnique(nil, id.Affiliations...)
		id.LinkedFactIDs = appendUnique(nil, append(id.LinkedFactIDs, op.FactIDs...)...)
		m.authors[id.AuthorID] = &id
		if op.Kind == model.AuthorOpDefer {
			m.pending[id.AuthorID] = model.PendingResolution{
				AuthorID:     id.AuthorID,
				Name:         id.CanonicalName,
				Affiliation:  op.Affiliation,
				CandidateIDs: append([]string(nil), op.CandidateIDs...),
				FactIDs:      append([]string(nil), op.FactIDs...),
			}
		}
	case model.AuthorOpLink:
		a := m.authors[op.AuthorID]
		if op.Alias != a.NormalizedName {
			a.Aliases = appendUnique(a.Aliases, op.Alias)
		}
		a.Affiliations = appendUnique(a.Affiliations, op.Affiliation)
		a.LinkedFactIDs = appendUnique(a.LinkedFactIDs, op.FactIDs...)
	}
}

func (m *Memory) countLiveLocked(key string) int {
	n := 0
	for _, a := range m.authors {
		if a.MergedInto == "" && containsString(a.Keys(), key) {
			n++
		}
	}
	return n
}

// Document implements Store
func (m *Memory) Document(ctx context.Context, hash string) (model.DocumentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[hash]
	if !ok {
		return model.DocumentRecord{}, fmt.Errorf("%w: document %s", ErrNotFound, hash)
	}
	return doc, nil
}

// DocumentHashes implements Store
func (m *Memory) DocumentHashes(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.docOrder...), nil
}

// LookupIdentifier implements Store
func (m *Memory) LookupIdentifier(ctx context.Context, key string) (model.DocumentRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hash, ok := m.identifiers[key]
	if !ok {
		return model.DocumentRecord{}, false, nil
	}
	return m.docs[hash], true, nil
}

// Fact implements Store
func (m *Memory) Fact(ctx context.Context, id string) (model.StructuredFact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.facts[id]
	if !ok {
		return model.StructuredFact{}, fmt.Errorf("%w: fact %s", ErrNotFound, id)
	}
	return *f, nil
}

// ReadClearFacts implements Store
func (m *Memory) ReadClearFacts(ctx context.Context, filter FactFilter) ([]model.StructuredFact, error) {
	m.mu.RLock()
	var out []model.StructuredFact
	for _, f := range m.facts {
		if matchesFilter(*f, filter) {
			out = append(out, *f)
		}
	}
	m.mu.RUnlock()

	sortFacts(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// AuditFacts implements Store
func (m *Memory) AuditFacts(ctx context.Context, docHash string) ([]model.StructuredFact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.docs[docHash]; !ok {
		return nil, fmt.Errorf("%w: document %s", ErrNotFound, docHash)
	}
	out := make([]model.StructuredFact, 0, len(m.docFacts[docHash]))
	for _, id := range m.docFacts[docHash] {
		out = append(out, *m.facts[id])
	}
	return out, nil
}

// SearchFacts implements Store
func (m *Memory) SearchFacts(ctx context.Context, query string, limit int) ([]model.StructuredFact, error) {
	terms := searchTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	m.mu.RLock()
	var out []model.StructuredFact
	for _, f := range m.facts {
		if f.IntegrityFlag == model.FlagClear && f.Kind == model.FactKindClaim && matchesTerms(f.Payload.Text, terms) {
			out = append(out, *f)
		}
	}
	m.mu.RUnlock()

	sortFacts(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Reclassify implements Store
func (m *Memory) Reclassify(ctx context.Context, req ReclassifyRequest) (*model.ReclassificationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.facts[req.FactID]
	if !ok {
		return nil, fmt.Errorf("%w: fact %s", ErrNotFound, req.FactID)
	}
	if err := checkReclassify(f.IntegrityFlag, req); err != nil {
		return nil, err
	}
	if f.IntegrityFlag == req.To {
		return nil, nil
	}

	ev := model.ReclassificationEvent{
		FactID: f.FactID,
		From:   f.IntegrityFlag,
		To:     req.To,
		Reason: req.Reason,
		Actor:  req.Actor,
		At:     m.now(),
	}
	f.IntegrityFlag = req.To
	m.reclass[f.FactID] = append(m.reclass[f.FactID], ev)
	return &ev, nil
}

// Reclassifications implements Store
func (m *Memory) Reclassifications(ctx context.Context, factID string) ([]model.ReclassificationEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.ReclassificationEvent(nil), m.reclass[factID]...), nil
}

// EdgesTo implements Store
func (m *Memory) EdgesTo(ctx context.Context, docHash string) ([]model.CitationEdge, error) {
	return m.collectEdges(func(e *model.CitationEdge) bool { return e.ToDocHash == docHash }), nil
}

// EdgesFrom implements Store
func (m *Memory) EdgesFrom(ctx context.Context, factID string) ([]model.CitationEdge, error) {
	return m.collectEdges(func(e *model.CitationEdge) bool { return e.FromFactID == factID }), nil
}

func (m *Memory) collectEdges(keep func(*model.CitationEdge) bool) []model.CitationEdge {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.CitationEdge
	for _, id := range m.edgeOrder {
		if e := m.edges[id]; keep(e) {
			out = append(out, *e)
		}
	}
	return out
}

// CitationCounts implements Store. It counts distinct citing documents.
func (m *Memory) CitationCounts(ctx context.Context, docHashes []string) (map[string]int, error) {
	want := make(map[string]bool, len(docHashes))
	for _, h := range docHashes {
		want[h] = true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	citing := make(map[string]map[string]bool)
	for _, e := range m.edges {
		if !e.Resolved() || !want[e.ToDocHash] {
			continue
		}
		from, ok := m.facts[e.FromFactID]
		if !ok || from.SourceDocHash == e.ToDocHash {
			continue
		}
		if citing[e.ToDocHash] == nil {
			citing[e.ToDocHash] = make(map[string]bool)
		}
		citing[e.ToDocHash][from.SourceDocHash] = true
	}

	out := make(map[string]int, len(citing))
	for h, set := range citing {
		out[h] = len(set)
	}
	return out, nil
}

// ReadAuthor implements Store. Merged identities resolve to the survivor.
func (m *Memory) ReadAuthor(ctx context.Context, id string) (model.AuthorIdentity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, err := m.survivorLocked(id)
	if err != nil {
		return model.AuthorIdentity{}, err
	}
	return copyIdentity(*a), nil
}

func (m *Memory) survivorLocked(id string) (*model.AuthorIdentity, error) {
	seen := make(map[string]bool)
	for {
		a, ok := m.authors[id]
		if !ok {
			return nil, fmt.Errorf("%w: author %s", ErrNotFound, id)
		}
		if a.MergedInto == "" {
			return a, nil
		}
		if seen[id] {
			return nil, fmt.Errorf("factstore: merge cycle at author %s", id)
		}
		seen[id] = true
		id = a.MergedInto
	}
}

// FindAuthors implements Store
func (m *Memory) FindAuthors(ctx context.Context, nameKey string) ([]model.AuthorIdentity, error) {
	m.mu.RLock()
	var out []model.AuthorIdentity
	for _, a := range m.authors {
		if a.MergedInto == "" && containsString(a.Keys(), nameKey) {
			out = append(out, copyIdentity(*a))
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AuthorID < out[j].AuthorID })
	return out, nil
}

// MergeAuthors implements Store. Merging identities that already share a
// survivor is a no-op.
func (m *Memory) MergeAuthors(ctx context.Context, from, into string) (model.AuthorIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, err := m.survivorLocked(from)
	if err != nil {
		return model.AuthorIdentity{}, err
	}
	dst, err := m.survivorLocked(into)
	if err != nil {
		return model.AuthorIdentity{}, err
	}
	if src.AuthorID == dst.AuthorID {
		return copyIdentity(*dst), nil
	}

	*dst = mergeIdentity(*dst, *src)
	src.MergedInto = dst.AuthorID
	delete(m.pending, src.AuthorID)
	return copyIdentity(*dst), nil
}

// PendingAuthors implements Store
func (m *Memory) PendingAuthors(ctx context.Context) ([]model.PendingResolution, error) {
	m.mu.RLock()
	out := make([]model.PendingResolution, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AuthorID < out[j].AuthorID })
	return out, nil
}

// ClearPending implements Store
func (m *Memory) ClearPending(ctx context.Context, authorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, authorID)
	return nil
}

// Stats implements Store
func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		Documents:      len(m.docs),
		Facts:          len(m.facts),
		Edges:          len(m.edges),
		PendingAuthors: len(m.pending),
		LastCommitAt:   m.lastCommit,
	}
	for _, d := range m.docs {
		if d.Outcome == model.OutcomeRejected {
			s.RejectedDocuments++
		} else {
			s.CommittedDocuments++
		}
	}
	for _, f := range m.facts {
		switch f.IntegrityFlag {
		case model.FlagClear:
			s.ClearFacts++
		case model.FlagFlagged:
			s.FlaggedFacts++
		case model.FlagRejected:
			s.RejectedFacts++
		}
	}
	for _, e := range m.edges {
		if !e.Resolved() {
			s.PendingEdges++
		}
	}
	for _, a := range m.authors {
		if a.MergedInto == "" {
			s.Authors++
		}
	}
	return s, nil
}

// Close implements Store
func (m *Memory) Close() error {
	return nil
}

func copyIdentity(a model.AuthorIdentity) model.AuthorIdentity {
	a.Aliases = append([]string(nil), a.Aliases...)
	a.Affiliations = append([]string(nil), a.Affiliations...)
	a.LinkedFactIDs = append([]string(nil), a.LinkedFactIDs...)
	return a
}
