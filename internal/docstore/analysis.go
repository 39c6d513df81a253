package docstore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/lexai-io/contract-intel/internal/apierrors"
)

// State is the Analysis lifecycle state (§3).
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// RiskLevel enumerates the sanitised risk levels (§4.7).
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Obligations splits obligations by which party they bind.
type Obligations struct {
	YourObligations       []string `bson:"yourObligations" json:"yourObligations"`
	OtherPartyObligations []string `bson:"otherPartyObligations" json:"otherPartyObligations"`
}

// Analysis is one attempt to analyse a specific (Contract, version) pair.
type Analysis struct {
	ID               string         `bson:"_id" json:"id"`
	TenantID         string         `bson:"tenantId" json:"tenantId"`
	ContractID       string         `bson:"contractId" json:"contractId"`
	Version          int            `bson:"version" json:"version"`
	State            State          `bson:"state" json:"state"`
	Summary          string         `bson:"summary,omitempty" json:"summary,omitempty"`
	RiskScore        int            `bson:"riskScore,omitempty" json:"riskScore,omitempty"`
	RiskLevel        RiskLevel      `bson:"riskLevel,omitempty" json:"riskLevel,omitempty"`
	Clauses          []string       `bson:"clauses,omitempty" json:"clauses,omitempty"`
	Obligations      Obligations    `bson:"obligations,omitempty" json:"obligations,omitempty"`
	Parties          []string       `bson:"parties,omitempty" json:"parties,omitempty"`
	KeyDates         map[string]any `bson:"keyDates,omitempty" json:"keyDates,omitempty"`
	AIModel          string         `bson:"aiModel,omitempty" json:"aiModel,omitempty"`
	TokensUsed       int            `bson:"tokensUsed,omitempty" json:"tokensUsed,omitempty"`
	ProcessingTimeMs int64          `bson:"processingTimeMs,omitempty" json:"processingTimeMs,omitempty"`
	RetryCount       int            `bson:"retryCount" json:"retryCount"`
	FailureReason    string         `bson:"failureReason,omitempty" json:"failureReason,omitempty"`
	CacheKey         string         `bson:"cacheKey" json:"cacheKey"`
	CreatedAt        time.Time      `bson:"createdAt" json:"createdAt"`
}

// AnalysisRepository wraps the "analyses" collection.
type AnalysisRepository struct {
	col *mongo.Collection
}

// Insert creates a new pending Analysis row.
func (r *AnalysisRepository) Insert(ctx context.Context, a *Analysis) error {
	_, err := r.col.InsertOne(ctx, a)
	return err
}

// Get loads an Analysis by id, scoped to tenant.
func (r *AnalysisRepository) Get(ctx context.Context, tenantID, id string) (*Analysis, error) {
	var a Analysis
	err := r.col.FindOne(ctx, bson.M{"_id": id, "tenantId": tenantID}).Decode(&a)
	if err == mongo.ErrNoDocuments {
		return nil, apierrors.NotFound("analysis not found", err)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// FindNonTerminal returns a non-terminal (pending or processing) Analysis
// for (contractID, version), if one exists — used by admission step 4 when
// the single-flight lock is already held by another request.
func (r *AnalysisRepository) FindNonTerminal(ctx context.Context, contractID string, version int) (*Analysis, error) {
	var a Analysis
	err := r.col.FindOne(ctx, bson.M{
		"contractId": contractID,
		"version":    version,
		"state":      bson.M{"$in": []State{StatePending, StateProcessing}},
	}).Decode(&a)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// SetProcessing transitions an Analysis row to processing.
func (r *AnalysisRepository) SetProcessing(ctx context.Context, id string) error {
	_, err := r.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"state": StateProcessing}})
	return err
}

// CompleteFromCache copies a cached result into the Analysis row and marks
// it completed (§4.6 step 3).
func (r *AnalysisRepository) CompleteFromCache(ctx context.Context, id, summary string, riskScore int, riskLevel RiskLevel) error {
	_, err := r.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"state":     StateCompleted,
		"summary":   summary,
		"riskScore": riskScore,
		"riskLevel": riskLevel,
	}})
	return err
}

// Complete persists the full model result and marks the row completed
// (§4.6 step 4b).
func (r *AnalysisRepository) Complete(ctx context.Context, id string, result Result, aiModel string, tokensUsed int, processingTimeMs int64) error {
	_, err := r.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"state":            StateCompleted,
		"summary":          result.Summary,
		"riskScore":        result.RiskScore,
		"riskLevel":        result.RiskLevel,
		"clauses":          result.Clauses,
		"obligations":      result.Obligations,
		"parties":          result.Parties,
		"keyDates":         result.KeyDates,
		"aiModel":          aiModel,
		"tokensUsed":       tokensUsed,
		"processingTimeMs": processingTimeMs,
	}})
	return err
}

// IncrementRetry bumps retryCount in place (§4.6 step 5).
func (r *AnalysisRepository) IncrementRetry(ctx context.Context, id string) error {
	_, err := r.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$inc": bson.M{"retryCount": 1}})
	return err
}

// Fail marks the Analysis row terminally failed.
func (r *AnalysisRepository) Fail(ctx context.Context, id, reason string) error {
	_, err := r.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"state":         StateFailed,
		"failureReason": reason,
	}})
	return err
}

// Result is the sanitised LLM output shape from §4.7, shared by the
// worker and the model client.
type Result struct {
	Summary     string
	RiskScore   int
	RiskLevel   RiskLevel
	Clauses     []string
	Obligations Obligations
	Parties     []string
	KeyDates    map[string]any
}
