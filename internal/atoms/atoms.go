// Package atoms maintains the knowledge-atom graph: the skills and facts
// an item assesses, with prerequisite edges between them. Items link to
// the atoms they cover so coverage gaps and prerequisite chains can be
// queried per exam blueprint.
package atoms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/strideprep/itemforge-backend/internal/platform/logger"
	"github.com/strideprep/itemforge-backend/internal/platform/neo4jdb"
)

var (
	ErrGraphUnavailable = errors.New("atom graph is not configured")
	ErrCycle            = errors.New("prerequisite edge would create a cycle")
)

type Atom struct {
	Key     string `json:"key"`
	Name    string `json:"name"`
	Summary string `json:"summary,omitempty"`
}

// Service wraps the Neo4j atom graph. All methods are no-ops returning
// ErrGraphUnavailable when the graph is not configured.
type Service struct {
	client *neo4jdb.Client
	log    *logger.Logger
}

func NewService(client *neo4jdb.Client, baseLog *logger.Logger) *Service {
	return &Service{client: client, log: baseLog.With("service", "atoms")}
}

func (s *Service) Available() bool {
	return s != nil && s.client != nil && s.client.Driver != nil
}

func (s *Service) writeSession(ctx context.Context) neo4j.SessionWithContext {
	return s.client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: s.client.Database,
	})
}

func (s *Service) readSession(ctx context.Context) neo4j.SessionWithContext {
	return s.client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: s.client.Database,
	})
}

// EnsureSchema creates the uniqueness constraint for atom keys.
// Best-effort; restricted users may not be allowed to run DDL.
func (s *Service) EnsureSchema(ctx context.Context) {
	if !s.Available() {
		return
	}
	session := s.writeSession(ctx)
	defer session.Close(ctx)

	if res, err := session.Run(ctx, `CREATE CONSTRAINT atom_key_unique IF NOT EXISTS FOR (a:Atom) REQUIRE a.key IS UNIQUE`, nil); err != nil {
		s.log.Warn("neo4j schema init failed (continuing)", "error", err)
	} else {
		_, _ = res.Consume(ctx)
	}
}

func (s *Service) UpsertAtom(ctx context.Context, atom Atom) error {
	if !s.Available() {
		return ErrGraphUnavailable
	}
	atom.Key = strings.TrimSpace(atom.Key)
	if atom.Key == "" {
		return fmt.Errorf("atom key required")
	}

	session := s.writeSession(ctx)
	defer session.Close(ctx)

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MERGE (a:Atom {key: $key})
SET a.name = $name,
    a.summary = $summary,
    a.updated_at = $now
`, map[string]any{"key": atom.Key, "name": atom.Name, "summary": atom.Summary, "now": now})
		if err != nil {
			return nil, err
		}
		return nil, consume(ctx, res)
	})
	return err
}

// AddPrerequisite records that fromKey must be mastered before toKey.
// Rejected when a path already runs the other way.
func (s *Service) AddPrerequisite(ctx context.Context, fromKey, toKey string) error {
	if !s.Available() {
		return ErrGraphUnavailable
	}
	fromKey = strings.TrimSpace(fromKey)
	toKey = strings.TrimSpace(toKey)
	if fromKey == "" || toKey == "" {
		return fmt.Errorf("both atom keys required")
	}
	if fromKey == toKey {
		return ErrCycle
	}

	session := s.writeSession(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (from:Atom {key: $from}), (to:Atom {key: $to})
RETURN exists((to)-[:PREREQ_OF*1..]->(from)) AS wouldCycle
`, map[string]any{"from": fromKey, "to": toKey})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, fmt.Errorf("atoms not found: %s, %s", fromKey, toKey)
		}
		if v, ok := rec.Get("wouldCycle"); ok {
			if b, ok := v.(bool); ok && b {
				return nil, ErrCycle
			}
		}

		res, err = tx.Run(ctx, `
MATCH (from:Atom {key: $from}), (to:Atom {key: $to})
MERGE (from)-[e:PREREQ_OF]->(to)
SET e.updated_at = $now
`, map[string]any{"from": fromKey, "to": toKey, "now": time.Now().UTC().Format(time.RFC3339Nano)})
		if err != nil {
			return nil, err
		}
		return nil, consume(ctx, res)
	})
	return err
}

// LinkItem marks that an item artifact assesses the given atom.
func (s *Service) LinkItem(ctx context.Context, artifactID, atomKey string) error {
	if !s.Available() {
		return ErrGraphUnavailable
	}
	session := s.writeSession(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (a:Atom {key: $key})
MERGE (i:Item {artifact_id: $artifact_id})
MERGE (i)-[e:ASSESSES]->(a)
SET e.updated_at = $now
`, map[string]any{
			"key":         strings.TrimSpace(atomKey),
			"artifact_id": strings.TrimSpace(artifactID),
			"now":         time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return nil, err
		}
		return nil, consume(ctx, res)
	})
	return err
}

// Prerequisites returns the atoms that must be mastered before atomKey,
// nearest first.
func (s *Service) Prerequisites(ctx context.Context, atomKey string) ([]Atom, error) {
	return s.neighbors(ctx, atomKey, `
MATCH (p:Atom)-[:PREREQ_OF]->(a:Atom {key: $key})
RETURN p.key AS key, p.name AS name, p.summary AS summary
ORDER BY p.key
`)
}

// Dependents returns the atoms that build directly on atomKey.
func (s *Service) Dependents(ctx context.Context, atomKey string) ([]Atom, error) {
	return s.neighbors(ctx, atomKey, `
MATCH (a:Atom {key: $key})-[:PREREQ_OF]->(d:Atom)
RETURN d.key AS key, d.name AS name, d.summary AS summary
ORDER BY d.key
`)
}

func (s *Service) neighbors(ctx context.Context, atomKey, query string) ([]Atom, error) {
	if !s.Available() {
		return nil, ErrGraphUnavailable
	}
	session := s.readSession(ctx)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{"key": strings.TrimSpace(atomKey)})
		if err != nil {
			return nil, err
		}
		var atoms []Atom
		for res.Next(ctx) {
			rec := res.Record()
			atoms = append(atoms, Atom{
				Key:     stringVal(rec, "key"),
				Name:    stringVal(rec, "name"),
				Summary: stringVal(rec, "summary"),
			})
		}
		return atoms, res.Err()
	})
	if err != nil {
		return nil, err
	}
	atoms, _ := out.([]Atom)
	return atoms, nil
}

func consume(ctx context.Context, res neo4j.ResultWithContext) error {
	_, err := res.Consume(ctx)
	return err
}

func stringVal(rec *neo4j.Record, key string) string {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}
