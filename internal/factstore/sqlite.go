package factstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fliws/immortyx/internal/model"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so that stored timestamps sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLite is a Store backed by a single SQLite database file. Every commit is
// one transaction.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (and migrates) the database at path. Use ":memory:" for
// an ephemeral database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("factstore: open: %w", err)
	}
	// SQLite has a single writer; one connection keeps transactions serial
	// and lets ":memory:" databases survive across calls.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, now: time.Now}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init(ctx context.Context) error {
	pragmas := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`PRAGMA foreign_keys=ON;`,
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("factstore: %s: %w", p, err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("factstore: begin schema: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			hash TEXT NOT NULL UNIQUE,
			source_id TEXT NOT NULL,
			native_id TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			fetched_at TEXT NOT NULL,
			committed_at TEXT NOT NULL,
			outcome TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			identifiers TEXT NOT NULL DEFAULT '[]',
			anchor_fact_id TEXT NOT NULL DEFAULT '',
			meta TEXT NOT NULL DEFAULT '{}'
		);`,
		`CREATE TABLE IF NOT EXISTS identifiers (
			key TEXT PRIMARY KEY,
			doc_hash TEXT NOT NULL REFERENCES documents(hash)
		);`,
		`CREATE TABLE IF NOT EXISTS facts (
			fact_id TEXT PRIMARY KEY,
			doc_hash TEXT NOT NULL REFERENCES documents(hash),
			source_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			topic_id TEXT NOT NULL DEFAULT '',
			flag TEXT NOT NULL,
			trust REAL NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL,
			authors TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_facts_topic_flag ON facts(topic_id, flag);`,
		`CREATE INDEX IF NOT EXISTS idx_facts_doc ON facts(doc_hash);`,
		`CREATE TABLE IF NOT EXISTS edges (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			edge_id TEXT NOT NULL UNIQUE,
			from_fact_id TEXT NOT NULL REFERENCES facts(fact_id),
			to_fact_id TEXT NOT NULL DEFAULT '',
			to_doc_hash TEXT NOT NULL DEFAULT '',
			target_key TEXT NOT NULL,
			confidence REAL NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_key);`,
		`CREATE INDEX IF NOT EXISTS idx_edges_to_doc ON edges(to_doc_hash);`,
		`CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(from_fact_id);`,
		`CREATE TABLE IF NOT EXISTS authors (
			author_id TEXT PRIMARY KEY,
			canonical_name TEXT NOT NULL,
			normalized_name TEXT NOT NULL,
			aliases TEXT NOT NULL DEFAULT '[]',
			affiliations TEXT NOT NULL DEFAULT '[]',
			linked_fact_ids TEXT NOT NULL DEFAULT '[]',
			merged_into TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS author_keys (
			name_key TEXT NOT NULL,
			author_id TEXT NOT NULL REFERENCES authors(author_id),
			PRIMARY KEY (name_key, author_id)
		);`,
		`CREATE TABLE IF NOT EXISTS pending_authors (
			author_id TEXT PRIMARY KEY,
			body TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS reclassifications (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fact_id TEXT NOT NULL REFERENCES facts(fact_id),
			from_flag TEXT NOT NULL,
			to_flag TEXT NOT NULL,
			reason TEXT NOT NULL,
			actor TEXT NOT NULL,
			at TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("factstore: init schema: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("factstore: commit schema: %w", err)
	}
	return nil
}

// Close implements Store
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Commit implements Store
func (s *SQLite) Commit(ctx context.Context, req CommitRequest) error {
	if err := validateCommit(req); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("factstore: commit: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	doc := req.Document
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM documents WHERE hash = ?`, doc.ContentHash).Scan(&exists); err != nil {
		return fmt.Errorf("factstore: commit: check document: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicate, doc.ContentHash)
	}
	if err := checkAuthorOpsTx(ctx, tx, req.AuthorOps); err != nil {
		return err
	}

	now := s.now()
	if doc.CommittedAt.IsZero() {
		doc.CommittedAt = now
	}
	identifiers, err := marshalJSON(doc.Identifiers, "[]")
	if err != nil {
		return err
	}
	meta, err := marshalJSON(doc.Meta, "{}")
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (hash, source_id, native_id, url, fetched_at, committed_at, outcome, reason, identifiers, anchor_fact_id, meta)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ContentHash, doc.SourceID, doc.SourceNativeID, doc.URL, formatTime(doc.FetchedAt), formatTime(doc.CommittedAt),
		string(doc.Outcome), doc.Reason, identifiers, doc.AnchorFactID, meta); err != nil {
		return fmt.Errorf("factstore: commit: insert document: %w", err)
	}

	for _, id := range doc.Identifiers {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO identifiers (key, doc_hash) VALUES (?, ?)`, id, doc.ContentHash); err != nil {
			return fmt.Errorf("factstore: commit: insert identifier: %w", err)
		}
	}

	for _, f := range req.Facts {
		if err := insertFact(ctx, tx, f); err != nil {
			return err
		}
	}

	for _, e := range req.Edges {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO edges (edge_id, from_fact_id, to_fact_id, to_doc_hash, target_key, confidence)
			VALUES (?, ?, ?, ?, ?, ?)`,
			e.EdgeID, e.FromFactID, e.ToFactID, e.ToDocHash, e.TargetKey, e.Confidence); err != nil {
			return fmt.Errorf("factstore: commit: insert edge: %w", err)
		}
	}

	for _, id := range doc.Identifiers {
		if _, err := tx.ExecContext(ctx, `
			UPDATE edges SET to_doc_hash = ?, to_fact_id = ?
			WHERE to_doc_hash = '' AND target_key = ?
			AND from_fact_id NOT IN (SELECT fact_id FROM facts WHERE doc_hash = ?)`,
			doc.ContentHash, doc.AnchorFactID, id, doc.ContentHash); err != nil {
			return fmt.Errorf("factstore: commit: resolve edges: %w", err)
		}
	}

	for _, op := range req.AuthorOps {
		if err := applyAuthorOpTx(ctx, tx, op); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("factstore: commit: %w", err)
	}
	return nil
}

func insertFact(ctx context.Context, tx *sql.Tx, f model.StructuredFact) error {
	payload, err := json.Marshal(f.Payload)
	if err != nil {
		return fmt.Errorf("factstore: marshal payload: %w", err)
	}
	authors, err := marshalJSON(f.Authors, "[]")
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO facts (fact_id, doc_hash, source_id, kind, topic_id, flag, trust, text, payload, authors, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.FactID, f.SourceDocHash, f.SourceID, string(f.Kind), f.TopicID, string(f.IntegrityFlag), f.TrustScore,
		f.Payload.Text, string(payload), authors, formatTime(f.CreatedAt)); err != nil {
		return fmt.Errorf("factstore: commit: insert fact %s: %w", f.FactID, err)
	}
	return nil
}

func checkAuthorOpsTx(ctx context.Context, tx *sql.Tx, ops []model.AuthorOp) error {
	for _, op := range ops {
		switch op.Kind {
		case model.AuthorOpLink:
			var merged string
			err := tx.QueryRowContext(ctx, `SELECT merged_into FROM authors WHERE author_id = ?`, op.AuthorID).Scan(&merged)
			if errors.Is(err, sql.ErrNoRows) || (err == nil && merged != "") {
				return fmt.Errorf("%w: identity %s is gone", ErrConflict, op.AuthorID)
			}
			if err != nil {
				return fmt.Errorf("factstore: commit: check author: %w", err)
			}
		case model.AuthorOpCreate, model.AuthorOpDefer:
			var n int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM authors WHERE author_id = ?`, op.AuthorID).Scan(&n); err != nil {
				return fmt.Errorf("factstore: commit: check author: %w", err)
			}
			if n > 0 {
				return fmt.Errorf("%w: identity %s already exists", ErrInvalid, op.AuthorID)
			}
			if op.NameKey == "" {
				continue
			}
			live, err := countLive(ctx, tx, op.NameKey)
			if err != nil {
				return err
			}
			if live != op.Observed {
				return fmt.Errorf("%w: identities under %q changed", ErrConflict, op.NameKey)
			}
		}
	}
	return nil
}

func countLive(ctx context.Context, q queryer, key string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM author_keys k JOIN authors a ON a.author_id = k.author_id
		WHERE k.name_key = ? AND a.merged_into = ''`, key).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("factstore: count authors: %w", err)
	}
	return n, nil
}

func applyAuthorOpTx(ctx context.Context, tx *sql.Tx, op model.AuthorOp) error {
	switch op.Kind {
	case model.AuthorOpCreate, model.AuthorOpDefer:
		id := op.Identity
		id.AuthorID = op.AuthorID
		id.Aliases = appendUnique(nil, id.Aliases...)
		id.Affiliations = appendUnique(nil, id.Affiliations...)
		id.LinkedFactIDs = appendUnique(nil, append(id.LinkedFactIDs, op.FactIDs...)...)
		if err := insertAuthor(ctx, tx, id); err != nil {
			return err
		}
		if op.Kind == model.AuthorOpDefer {
			body, err := json.Marshal(model.PendingResolution{
				AuthorID:     id.AuthorID,
				Name:         id.CanonicalName,
				Affiliation:  op.Affiliation,
				CandidateIDs: op.CandidateIDs,
				FactIDs:      op.FactIDs,
			})
			if err != nil {
				return fmt.Errorf("factstore: marshal pending: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO pending_authors (author_id, body) VALUES (?, ?)`, id.AuthorID, string(body)); err != nil {
				return fmt.Errorf("factstore: commit: insert pending: %w", err)
			}
		}
	case model.AuthorOpLink:
		a, err := readAuthorRow(ctx, tx, op.AuthorID)
		if err != nil {
			return err
		}
		if op.Alias != a.NormalizedName {
			a.Aliases = appendUnique(a.Aliases, op.Alias)
		}
		a.Affiliations = appendUnique(a.Affiliations, op.Affiliation)
		a.LinkedFactIDs = appendUnique(a.LinkedFactIDs, op.FactIDs...)
		if err := updateAuthor(ctx, tx, a); err != nil {
			return err
		}
	}
	return nil
}

func insertAuthor(ctx context.Context, tx *sql.Tx, a model.AuthorIdentity) error {
	aliases, affiliations, linked, err := marshalIdentityLists(a)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO authors (author_id, canonical_name, normalized_name, aliases, affiliations, linked_fact_ids, merged_into)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.AuthorID, a.CanonicalName, a.NormalizedName, aliases, affiliations, linked, a.MergedInto); err != nil {
		return fmt.Errorf("factstore: insert author: %w", err)
	}
	return insertAuthorKeys(ctx, tx, a)
}

func updateAuthor(ctx context.Context, tx *sql.Tx, a model.AuthorIdentity) error {
	aliases, affiliations, linked, err := marshalIdentityLists(a)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE authors SET aliases = ?, affiliations = ?, linked_fact_ids = ?, merged_into = ?
		WHERE author_id = ?`,
		aliases, affiliations, linked, a.MergedInto, a.AuthorID); err != nil {
		return fmt.Errorf("factstore: update author: %w", err)
	}
	return insertAuthorKeys(ctx, tx, a)
}

func insertAuthorKeys(ctx context.Context, tx *sql.Tx, a model.AuthorIdentity) error {
	for _, k := range a.Keys() {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO author_keys (name_key, author_id) VALUES (?, ?)`, k, a.AuthorID); err != nil {
			return fmt.Errorf("factstore: insert author key: %w", err)
		}
	}
	return nil
}

func marshalIdentityLists(a model.AuthorIdentity) (string, string, string, error) {
	aliases, err := marshalJSON(a.Aliases, "[]")
	if err != nil {
		return "", "", "", err
	}
	affiliations, err := marshalJSON(a.Affiliations, "[]")
	if err != nil {
		return "", "", "", err
	}
	linked, err := marshalJSON(a.LinkedFactIDs, "[]")
	if err != nil {
		return "", "", "", err
	}
	return aliases, affiliations, linked, nil
}

// queryer is satisfied by *sql.DB and *sql.Tx
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readAuthorRow(ctx context.Context, q queryer, id string) (model.AuthorIdentity, error) {
	var a model.AuthorIdentity
	var aliases, affiliations, linked string
	err := q.QueryRowContext(ctx, `
		SELECT author_id, canonical_name, normalized_name, aliases, affiliations, linked_fact_ids, merged_into
		FROM authors WHERE author_id = ?`, id).
		Scan(&a.AuthorID, &a.CanonicalName, &a.NormalizedName, &aliases, &affiliations, &linked, &a.MergedInto)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AuthorIdentity{}, fmt.Errorf("%w: author %s", ErrNotFound, id)
	}
	if err != nil {
		return model.AuthorIdentity{}, fmt.Errorf("factstore: read author: %w", err)
	}
	if err := unmarshalLists(&a.Aliases, aliases, &a.Affiliations, affiliations, &a.LinkedFactIDs, linked); err != nil {
		return model.AuthorIdentity{}, err
	}
	return a, nil
}

func survivor(ctx context.Context, q queryer, id string) (model.AuthorIdentity, error) {
	seen := make(map[string]bool)
	for {
		a, err := readAuthorRow(ctx, q, id)
		if err != nil {
			return model.AuthorIdentity{}, err
		}
		if a.MergedInto == "" {
			return a, nil
		}
		if seen[id] {
			return model.AuthorIdentity{}, fmt.Errorf("factstore: merge cycle at author %s", id)
		}
		seen[id] = true
		id = a.MergedInto
	}
}

// Document implements Store
func (s *SQLite) Document(ctx context.Context, hash string) (model.DocumentRecord, error) {
	doc, ok, err := s.documentWhere(ctx, `hash = ?`, hash)
	if err != nil {
		return model.DocumentRecord{}, err
	}
	if !ok {
		return model.DocumentRecord{}, fmt.Errorf("%w: document %s", ErrNotFound, hash)
	}
	return doc, nil
}

func (s *SQLite) documentWhere(ctx context.Context, where string, args ...any) (model.DocumentRecord, bool, error) {
	var doc model.DocumentRecord
	var fetched, committed, outcome, identifiers, meta string
	err := s.db.QueryRowContext(ctx, `
		SELECT hash, source_id, native_id, url, fetched_at, committed_at, outcome, reason, identifiers, anchor_fact_id, meta
		FROM documents WHERE `+where, args...).
		Scan(&doc.ContentHash, &doc.SourceID, &doc.SourceNativeID, &doc.URL, &fetched, &committed, &outcome,
			&doc.Reason, &identifiers, &doc.AnchorFactID, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DocumentRecord{}, false, nil
	}
	if err != nil {
		return model.DocumentRecord{}, false, fmt.Errorf("factstore: read document: %w", err)
	}
	doc.Outcome = model.DocumentOutcome(outcome)
	if doc.FetchedAt, err = parseTime(fetched); err != nil {
		return model.DocumentRecord{}, false, err
	}
	if doc.CommittedAt, err = parseTime(committed); err != nil {
		return model.DocumentRecord{}, false, err
	}
	if err := json.Unmarshal([]byte(identifiers), &doc.Identifiers); err != nil {
		return model.DocumentRecord{}, false, fmt.Errorf("factstore: decode identifiers: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &doc.Meta); err != nil {
		return model.DocumentRecord{}, false, fmt.Errorf("factstore: decode meta: %w", err)
	}
	return doc, true, nil
}

// DocumentHashes implements Store
func (s *SQLite) DocumentHashes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hash FROM documents ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("factstore: list documents: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("factstore: scan document: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// LookupIdentifier implements Store
func (s *SQLite) LookupIdentifier(ctx context.Context, key string) (model.DocumentRecord, bool, error) {
	return s.documentWhere(ctx, `hash = (SELECT doc_hash FROM identifiers WHERE key = ?)`, key)
}

const factColumns = `fact_id, doc_hash, source_id, kind, topic_id, flag, trust, payload, authors, created_at`

func (s *SQLite) queryFacts(ctx context.Context, query string, args ...any) ([]model.StructuredFact, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("factstore: query facts: %w", err)
	}
	defer rows.Close()

	var facts []model.StructuredFact
	for rows.Next() {
		var f model.StructuredFact
		var kind, flag, payload, authors, created string
		if err := rows.Scan(&f.FactID, &f.SourceDocHash, &f.SourceID, &kind, &f.TopicID, &flag, &f.TrustScore,
			&payload, &authors, &created); err != nil {
			return nil, fmt.Errorf("factstore: scan fact: %w", err)
		}
		f.Kind = model.FactKind(kind)
		f.IntegrityFlag = model.IntegrityFlag(flag)
		if err := json.Unmarshal([]byte(payload), &f.Payload); err != nil {
			return nil, fmt.Errorf("factstore: decode payload: %w", err)
		}
		if err := json.Unmarshal([]byte(authors), &f.Authors); err != nil {
			return nil, fmt.Errorf("factstore: decode authors: %w", err)
		}
		if f.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// Fact implements Store
func (s *SQLite) Fact(ctx context.Context, id string) (model.StructuredFact, error) {
	facts, err := s.queryFacts(ctx, `SELECT `+factColumns+` FROM facts WHERE fact_id = ?`, id)
	if err != nil {
		return model.StructuredFact{}, err
	}
	if len(facts) == 0 {
		return model.StructuredFact{}, fmt.Errorf("%w: fact %s", ErrNotFound, id)
	}
	return facts[0], nil
}

// ReadClearFacts implements Store
func (s *SQLite) ReadClearFacts(ctx context.Context, filter FactFilter) ([]model.StructuredFact, error) {
	where := []string{`flag = ?`}
	args := []any{string(model.FlagClear)}
	if filter.Flagged {
		where[0] = `flag IN (?, ?)`
		args = append(args, string(model.FlagFlagged))
	}
	if filter.TopicID != "" {
		where = append(where, `topic_id = ?`)
		args = append(args, filter.TopicID)
	}
	if len(filter.Kinds) > 0 {
		where = append(where, `kind IN (`+placeholders(len(filter.Kinds))+`)`)
		for _, k := range filter.Kinds {
			args = append(args, string(k))
		}
	}
	if len(filter.SourceIDs) > 0 {
		where = append(where, `source_id IN (`+placeholders(len(filter.SourceIDs))+`)`)
		for _, id := range filter.SourceIDs {
			args = append(args, id)
		}
	}
	if !filter.Since.IsZero() {
		where = append(where, `created_at >= ?`)
		args = append(args, formatTime(filter.Since))
	}

	query := `SELECT ` + factColumns + ` FROM facts WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at, fact_id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}
	return s.queryFacts(ctx, query, args...)
}

// AuditFacts implements Store
func (s *SQLite) AuditFacts(ctx context.Context, docHash string) ([]model.StructuredFact, error) {
	if _, err := s.Document(ctx, docHash); err != nil {
		return nil, err
	}
	return s.queryFacts(ctx, `SELECT `+factColumns+` FROM facts WHERE doc_hash = ? ORDER BY rowid`, docHash)
}

// SearchFacts implements Store
func (s *SQLite) SearchFacts(ctx context.Context, query string, limit int) ([]model.StructuredFact, error) {
	terms := searchTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	where := []string{`flag = ?`, `kind = ?`}
	args := []any{string(model.FlagClear), string(model.FactKindClaim)}
	for _, t := range terms {
		where = append(where, `instr(lower(text), ?) > 0`)
		args = append(args, t)
	}
	q := `SELECT ` + factColumns + ` FROM facts WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at, fact_id`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}
	return s.queryFacts(ctx, q, args...)
}

// Reclassify implements Store
func (s *SQLite) Reclassify(ctx context.Context, req ReclassifyRequest) (*model.ReclassificationEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("factstore: reclassify: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var flag string
	err = tx.QueryRowContext(ctx, `SELECT flag FROM facts WHERE fact_id = ?`, req.FactID).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: fact %s", ErrNotFound, req.FactID)
	}
	if err != nil {
		return nil, fmt.Errorf("factstore: reclassify: read: %w", err)
	}
	from := model.IntegrityFlag(flag)
	if err := checkReclassify(from, req); err != nil {
		return nil, err
	}
	if from == req.To {
		return nil, nil
	}

	ev := model.ReclassificationEvent{
		FactID: req.FactID,
		From:   from,
		To:     req.To,
		Reason: req.Reason,
		Actor:  req.Actor,
		At:     s.now(),
	}
	if _, err := tx.ExecContext(ctx, `UPDATE facts SET flag = ? WHERE fact_id = ?`, string(req.To), req.FactID); err != nil {
		return nil, fmt.Errorf("factstore: reclassify: update: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reclassifications (fact_id, from_flag, to_flag, reason, actor, at) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.FactID, string(ev.From), string(ev.To), ev.Reason, ev.Actor, formatTime(ev.At)); err != nil {
		return nil, fmt.Errorf("factstore: reclassify: audit: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("factstore: reclassify: %w", err)
	}
	return &ev, nil
}

// Reclassifications implements Store
func (s *SQLite) Reclassifications(ctx context.Context, factID string) ([]model.ReclassificationEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fact_id, from_flag, to_flag, reason, actor, at FROM reclassifications WHERE fact_id = ? ORDER BY id`, factID)
	if err != nil {
		return nil, fmt.Errorf("factstore: list reclassifications: %w", err)
	}
	defer rows.Close()

	var out []model.ReclassificationEvent
	for rows.Next() {
		var ev model.ReclassificationEvent
		var from, to, at string
		if err := rows.Scan(&ev.FactID, &from, &to, &ev.Reason, &ev.Actor, &at); err != nil {
			return nil, fmt.Errorf("factstore: scan reclassification: %w", err)
		}
		ev.From, ev.To = model.IntegrityFlag(from), model.IntegrityFlag(to)
		if ev.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLite) queryEdges(ctx context.Context, where string, arg any) ([]model.CitationEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT edge_id, from_fact_id, to_fact_id, to_doc_hash, target_key, confidence
		FROM edges WHERE `+where+` ORDER BY seq`, arg)
	if err != nil {
		return nil, fmt.Errorf("factstore: query edges: %w", err)
	}
	defer rows.Close()

	var edges []model.CitationEdge
	for rows.Next() {
		var e model.CitationEdge
		if err := rows.Scan(&e.EdgeID, &e.FromFactID, &e.ToFactID, &e.ToDocHash, &e.TargetKey, &e.Confidence); err != nil {
			return nil, fmt.Errorf("factstore: scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// EdgesTo implements Store
func (s *SQLite) EdgesTo(ctx context.Context, docHash string) ([]model.CitationEdge, error) {
	return s.queryEdges(ctx, `to_doc_hash = ?`, docHash)
}

// EdgesFrom implements Store
func (s *SQLite) EdgesFrom(ctx context.Context, factID string) ([]model.CitationEdge, error) {
	return s.queryEdges(ctx, `from_fact_id = ?`, factID)
}

// CitationCounts implements Store. It counts distinct citing documents.
func (s *SQLite) CitationCounts(ctx context.Context, docHashes []string) (map[string]int, error) {
	out := make(map[string]int)
	if len(docHashes) == 0 {
		return out, nil
	}
	args := make([]any, len(docHashes))
	for i, h := range docHashes {
		args[i] = h
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.to_doc_hash, COUNT(DISTINCT f.doc_hash)
		FROM edges e JOIN facts f ON f.fact_id = e.from_fact_id
		WHERE e.to_doc_hash IN (`+placeholders(len(args))+`) AND f.doc_hash != e.to_doc_hash
		GROUP BY e.to_doc_hash`, args...)
	if err != nil {
		return nil, fmt.Errorf("factstore: citation counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var h string
		var n int
		if err := rows.Scan(&h, &n); err != nil {
			return nil, fmt.Errorf("factstore: scan citation count: %w", err)
		}
		out[h] = n
	}
	return out, rows.Err()
}

// ReadAuthor implements Store. Merged identities resolve to the survivor.
func (s *SQLite) ReadAuthor(ctx context.Context, id string) (model.AuthorIdentity, error) {
	return survivor(ctx, s.db, id)
}

// FindAuthors implements Store
func (s *SQLite) FindAuthors(ctx context.Context, nameKey string) ([]model.AuthorIdentity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.author_id FROM author_keys k JOIN authors a ON a.author_id = k.author_id
		WHERE k.name_key = ? AND a.merged_into = '' ORDER BY a.author_id`, nameKey)
	if err != nil {
		return nil, fmt.Errorf("factstore: find authors: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("factstore: scan author: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("factstore: find authors: %w", err)
	}

	out := make([]model.AuthorIdentity, 0, len(ids))
	for _, id := range ids {
		a, err := readAuthorRow(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// MergeAuthors implements Store. Merging identities that already share a
// survivor is a no-op.
func (s *SQLite) MergeAuthors(ctx context.Context, from, into string) (model.AuthorIdentity, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.AuthorIdentity{}, fmt.Errorf("factstore: merge: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	src, err := survivor(ctx, tx, from)
	if err != nil {
		return model.AuthorIdentity{}, err
	}
	dst, err := survivor(ctx, tx, into)
	if err != nil {
		return model.AuthorIdentity{}, err
	}
	if src.AuthorID == dst.AuthorID {
		return dst, nil
	}

	dst = mergeIdentity(dst, src)
	src.MergedInto = dst.AuthorID
	if err := updateAuthor(ctx, tx, dst); err != nil {
		return model.AuthorIdentity{}, err
	}
	if err := updateAuthor(ctx, tx, src); err != nil {
		return model.AuthorIdentity{}, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_authors WHERE author_id = ?`, src.AuthorID); err != nil {
		return model.AuthorIdentity{}, fmt.Errorf("factstore: merge: clear pending: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.AuthorIdentity{}, fmt.Errorf("factstore: merge: %w", err)
	}
	return dst, nil
}

// PendingAuthors implements Store
func (s *SQLite) PendingAuthors(ctx context.Context) ([]model.PendingResolution, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM pending_authors ORDER BY author_id`)
	if err != nil {
		return nil, fmt.Errorf("factstore: list pending: %w", err)
	}
	defer rows.Close()

	var out []model.PendingResolution
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("factstore: scan pending: %w", err)
		}
		var p model.PendingResolution
		if err := json.Unmarshal([]byte(body), &p); err != nil {
			return nil, fmt.Errorf("factstore: decode pending: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ClearPending implements Store
func (s *SQLite) ClearPending(ctx context.Context, authorID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_authors WHERE author_id = ?`, authorID); err != nil {
		return fmt.Errorf("factstore: clear pending: %w", err)
	}
	return nil
}

// Stats implements Store
func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var last sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(1) FROM documents),
			(SELECT COUNT(1) FROM documents WHERE outcome = 'committed'),
			(SELECT COUNT(1) FROM documents WHERE outcome = 'rejected'),
			(SELECT COUNT(1) FROM facts),
			(SELECT COUNT(1) FROM facts WHERE flag = 'clear'),
			(SELECT COUNT(1) FROM facts WHERE flag = 'flagged'),
			(SELECT COUNT(1) FROM facts WHERE flag = 'rejected'),
			(SELECT COUNT(1) FROM edges),
			(SELECT COUNT(1) FROM edges WHERE to_doc_hash = ''),
			(SELECT COUNT(1) FROM authors WHERE merged_into = ''),
			(SELECT COUNT(1) FROM pending_authors),
			(SELECT MAX(committed_at) FROM documents)`).
		Scan(&st.Documents, &st.CommittedDocuments, &st.RejectedDocuments, &st.Facts, &st.ClearFacts,
			&st.FlaggedFacts, &st.RejectedFacts, &st.Edges, &st.PendingEdges, &st.Authors, &st.PendingAuthors, &last)
	if err != nil {
		return Stats{}, fmt.Errorf("factstore: stats: %w", err)
	}
	if last.Valid {
		if st.LastCommitAt, err = parseTime(last.String); err != nil {
			return Stats{}, err
		}
	}
	return st, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("factstore: parse time %q: %w", s, err)
	}
	return t, nil
}

func marshalJSON(v any, empty string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("factstore: marshal: %w", err)
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

func unmarshalLists(dst1 *[]string, src1 string, dst2 *[]string, src2 string, dst3 *[]string, src3 string) error {
	for _, p := range []struct {
		dst *[]string
		src string
	}{{dst1, src1}, {dst2, src2}, {dst3, src3}} {
		if err := json.Unmarshal([]byte(p.src), p.dst); err != nil {
			return fmt.Errorf("factstore: decode list: %w", err)
		}
	}
	return nil
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*SQLite)(nil)
)
