package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/nl2sql/backend/pkg/logger"
)

// Index is the C2 vector similarity index over the QA corpus, backed by
// Milvus. QAPair rows keep their source of truth in the SQLite knowledge
// store (internal/knowledge); this index exists only to answer cosine
// top-K queries at scale, with scalar filters on composite and quality
// score so low-value pairs never surface in retrieval.
type Index struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

// QARecord is the subset of a knowledge.QAPair that is embedded and
// indexed; the index never becomes the source of truth for the rest of
// the QAPair fields.
type QARecord struct {
	ID             string
	Embedding      []float32
	Question       string
	CompositeScore float64
	QualityScore   float64
	CreatedAt      time.Time
}

type Match struct {
	ID       string
	Question string
	Score    float32
}

func NewIndex(endpoint, collectionName string, vectorDim int) (*Index, error) {
	c, err := client.NewGrpcClient(context.Background(), endpoint)
	if err != nil {
		return nil, fmt.Errorf("create milvus client: %w", err)
	}
	logger.Info("milvus index client initialized",
		zap.String("endpoint", endpoint), zap.String("collection", collectionName))
	return &Index{client: c, collectionName: collectionName, vectorDim: vectorDim}, nil
}

func (ix *Index) Close() error { return ix.client.Close() }

func (ix *Index) EnsureCollection(ctx context.Context) error {
	has, err := ix.client.HasCollection(ctx, ix.collectionName)
	if err != nil {
		return fmt.Errorf("check collection: %w", err)
	}
	if has {
		return nil
	}

	schema := &entity.Schema{
		CollectionName: ix.collectionName,
		Description:    "question/SQL pair embeddings for few-shot retrieval",
		Fields: []*entity.Field{
			{
				Name:       "qa_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": fmt.Sprintf("%d", ix.vectorDim)},
			},
			{
				Name:     "question",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "2048"},
			},
			{Name: "composite_score", DataType: entity.FieldTypeFloat},
			{Name: "quality_score", DataType: entity.FieldTypeFloat},
			{Name: "created_at", DataType: entity.FieldTypeInt64},
		},
	}

	if err := ix.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	idx, err := entity.NewIndexIvfFlat(entity.IP, 1024)
	if err != nil {
		return fmt.Errorf("create index param: %w", err)
	}
	if err := ix.client.CreateIndex(ctx, ix.collectionName, "embedding", idx, false); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	if err := ix.client.LoadCollection(ctx, ix.collectionName, false); err != nil {
		return fmt.Errorf("load collection: %w", err)
	}
	logger.Info("qa_pairs collection created and loaded")
	return nil
}

func (ix *Index) Upsert(ctx context.Context, rec QARecord) error {
	_, err := ix.client.Insert(
		ctx,
		ix.collectionName,
		"",
		entity.NewColumnVarChar("qa_id", []string{rec.ID}),
		entity.NewColumnFloatVector("embedding", ix.vectorDim, [][]float32{rec.Embedding}),
		entity.NewColumnVarChar("question", []string{rec.Question}),
		entity.NewColumnFloat("composite_score", []float32{float32(rec.CompositeScore)}),
		entity.NewColumnFloat("quality_score", []float32{float32(rec.QualityScore)}),
		entity.NewColumnInt64("created_at", []int64{rec.CreatedAt.Unix()}),
	)
	if err != nil {
		return fmt.Errorf("upsert qa record: %w", err)
	}
	return ix.client.Flush(ctx, ix.collectionName, false)
}

func (ix *Index) Delete(ctx context.Context, id string) error {
	return ix.client.Delete(ctx, ix.collectionName, "", fmt.Sprintf(`qa_id == "%s"`, id))
}

// Search returns the topK nearest QA pairs by inner-product similarity on
// normalized embeddings, restricted to pairs meeting minComposite and
// minQuality (§4.2's retrieval gate).
func (ix *Index) Search(ctx context.Context, queryEmbedding []float32, topK int, minComposite, minQuality float64) ([]Match, error) {
	expr := fmt.Sprintf("composite_score >= %f && quality_score >= %f", minComposite, minQuality)

	sp, _ := entity.NewIndexIvfFlatSearchParam(16)
	searchResult, err := ix.client.Search(
		ctx,
		ix.collectionName,
		[]string{},
		expr,
		[]string{"qa_id", "question"},
		[]entity.Vector{entity.FloatVector(queryEmbedding)},
		"embedding",
		entity.IP,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	var out []Match
	for _, sr := range searchResult {
		idCol := sr.Fields.GetColumn("qa_id")
		qCol := sr.Fields.GetColumn("question")
		for i := 0; i < sr.ResultCount; i++ {
			id, _ := idCol.Get(i)
			q, _ := qCol.Get(i)
			out = append(out, Match{
				ID:       id.(string),
				Question: q.(string),
				Score:    sr.Scores[i],
			})
		}
	}
	return out, nil
}
