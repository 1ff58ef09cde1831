// Package knowledgegraph extends C1 with a Neo4j-backed relationship graph
// over BusinessTerms, FieldMappings, and Tables, used by the analyzer's
// table-selection fallback when keyword overlap with the schema is weak.
package knowledgegraph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/nl2sql/backend/pkg/circuitbreaker"
	"github.com/nl2sql/backend/pkg/logger"
	"github.com/nl2sql/backend/pkg/retry"
)

type Client struct {
	driver      neo4j.DriverWithContext
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

// Node is a BusinessTerm, FieldMapping, or Table vertex. Kind distinguishes
// which of the three label sets a node belongs to.
type Node struct {
	ID   string
	Kind string // term | field | table
	Name string
}

// RelatedTable is one table reachable from a term/field node, annotated
// with the strength of the relationship that led to it.
type RelatedTable struct {
	Table      string
	Reason     string
	Confidence float64
}

func NewClient(uri, username, password string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("knowledge graph client initialized", zap.String("uri", uri))

	return &Client{driver: driver, cb: cb, retryConfig: retryConfig}, nil
}

func (c *Client) Close(ctx context.Context) error { return c.driver.Close(ctx) }

func (c *Client) executeWithRetry(ctx context.Context, operation func(neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: "neo4j"})
			defer session.Close(ctx)
			return operation(session)
		})
	})
}

// UpsertTable creates or refreshes a Table node. No code in this module
// calls it, so loading the analyzer's schema does not update the graph.
func (c *Client) UpsertTable(ctx context.Context, table string) error {
	session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: "neo4j"})
	defer session.Close(ctx)

	_, err := session.Run(ctx, `MERGE (t:Table {name: $name}) SET t.updated_at = timestamp()`,
		map[string]interface{}{"name": table})
	if err != nil {
		return fmt.Errorf("upsert table: %w", err)
	}
	return nil
}

// LinkTerm connects a BusinessTerm (or FieldMapping) keyword to a table via
// a MAPS_TO relationship, the edge the table-selection fallback traverses.
func (c *Client) LinkTerm(ctx context.Context, kind, keyword, table, reason string, confidence float64) error {
	session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: "neo4j"})
	defer session.Close(ctx)

	label := "Term"
	if kind == "field" {
		label = "Field"
	}

	query := fmt.Sprintf(`
		MERGE (n:%s {keyword: $keyword})
		MERGE (t:Table {name: $table})
		MERGE (n)-[r:MAPS_TO]->(t)
		SET r.reason = $reason, r.confidence = $confidence, r.updated_at = timestamp()
	`, label)

	_, err := session.Run(ctx, query, map[string]interface{}{
		"keyword":    keyword,
		"table":      table,
		"reason":     reason,
		"confidence": confidence,
	})
	if err != nil {
		return fmt.Errorf("link term: %w", err)
	}
	return nil
}

// RelatedTables finds tables reachable from a recognized term or field
// keyword, ordered by relationship confidence, for the analyzer's fallback
// path when direct keyword/column overlap with the schema is weak.
func (c *Client) RelatedTables(ctx context.Context, keyword string, minConfidence float64) ([]RelatedTable, error) {
	var out []RelatedTable

	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := `
			MATCH (n)-[r:MAPS_TO]->(t:Table)
			WHERE (n:Term OR n:Field) AND n.keyword = $keyword AND r.confidence >= $min_confidence
			RETURN t.name, r.reason, r.confidence
			ORDER BY r.confidence DESC
			LIMIT 10
		`
		result, err := session.Run(ctx, query, map[string]interface{}{
			"keyword":        keyword,
			"min_confidence": minConfidence,
		})
		if err != nil {
			return fmt.Errorf("related tables query: %w", err)
		}

		for result.Next(ctx) {
			record := result.Record()
			name, _ := record.Get("t.name")
			reason, _ := record.Get("r.reason")
			confidence, _ := record.Get("r.confidence")

			rt := RelatedTable{}
			if s, ok := name.(string); ok {
				rt.Table = s
			}
			if s, ok := reason.(string); ok {
				rt.Reason = s
			}
			if f, ok := confidence.(float64); ok {
				rt.Confidence = f
			}
			out = append(out, rt)
		}
		return result.Err()
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("knowledge graph lookup", zap.String("keyword", keyword), zap.Int("matches", len(out)))
	return out, nil
}

// RelatedTablesForTerms is RelatedTables fanned out over every recognized
// keyword in a question, deduplicating tables and keeping the strongest
// confidence seen for each.
func (c *Client) RelatedTablesForTerms(ctx context.Context, keywords []string, minConfidence float64) ([]RelatedTable, error) {
	best := map[string]RelatedTable{}
	for _, kw := range keywords {
		matches, err := c.RelatedTables(ctx, kw, minConfidence)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if existing, ok := best[m.Table]; !ok || m.Confidence > existing.Confidence {
				best[m.Table] = m
			}
		}
	}
	out := make([]RelatedTable, 0, len(best))
	for _, rt := range best {
		out = append(out, rt)
	}
	return out, nil
}
