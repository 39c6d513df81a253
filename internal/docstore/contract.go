package docstore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/lexai-io/contract-intel/internal/apierrors"
)

// Version is one historical body of a Contract, retained in an append-only
// embedded sequence (§9: "represent versions as an ordered sequence
// embedded in the owning contract").
type Version struct {
	Number      int       `bson:"number" json:"number"`
	Body        string    `bson:"body" json:"body"`
	Fingerprint string    `bson:"fingerprint" json:"fingerprint"`
	CreatedAt   time.Time `bson:"createdAt" json:"createdAt"`
}

// AlertRecord marks a threshold already fired for a contract, guaranteeing
// at-most-once firing per (contract, threshold).
type AlertRecord struct {
	Threshold int       `bson:"threshold" json:"threshold"`
	FiredAt   time.Time `bson:"firedAt" json:"firedAt"`
}

// DefaultAlertDays is the default ordered threshold list (§3).
var DefaultAlertDays = []int{90, 60, 30, 7}

// Contract is a tenant-owned document with its current body, fingerprint,
// version history, extracted dates, and alert bookkeeping.
type Contract struct {
	ID          string     `bson:"_id" json:"id"`
	TenantID    string     `bson:"tenantId" json:"tenantId"`
	Title       string     `bson:"title" json:"title"`
	Body        string     `bson:"body" json:"body"`
	Fingerprint string     `bson:"fingerprint" json:"fingerprint"`
	Versions    []Version  `bson:"versions" json:"versions"`
	Parties     []string   `bson:"parties,omitempty" json:"parties,omitempty"`
	EffectiveAt *time.Time `bson:"effectiveAt,omitempty" json:"effectiveAt,omitempty"`
	ExpiryAt    *time.Time `bson:"expiryAt,omitempty" json:"expiryAt,omitempty"`
	RenewalAt   *time.Time `bson:"renewalAt,omitempty" json:"renewalAt,omitempty"`
	AlertDays   []int      `bson:"alertDays" json:"alertDays"`
	AlertsSent  []AlertRecord `bson:"alertsSent" json:"alertsSent"`
	Deleted     bool       `bson:"deleted" json:"deleted"`
	CreatedAt   time.Time  `bson:"createdAt" json:"createdAt"`
}

// CurrentVersion returns the most recent embedded version, or false if the
// contract somehow has no versions (never true for a correctly-created
// contract, since upload always appends version 1).
func (c *Contract) CurrentVersion() (Version, bool) {
	if len(c.Versions) == 0 {
		return Version{}, false
	}
	return c.Versions[len(c.Versions)-1], true
}

// VersionByNumber finds a specific embedded version by its 1-based number.
func (c *Contract) VersionByNumber(n int) (Version, bool) {
	for _, v := range c.Versions {
		if v.Number == n {
			return v, true
		}
	}
	return Version{}, false
}

// ContractRepository wraps the "contracts" collection.
type ContractRepository struct {
	col *mongo.Collection
}

// Get loads a non-deleted contract scoped by tenant.
func (r *ContractRepository) Get(ctx context.Context, tenantID, contractID string) (*Contract, error) {
	var c Contract
	err := r.col.FindOne(ctx, bson.M{"_id": contractID, "tenantId": tenantID, "deleted": false}).Decode(&c)
	if err == mongo.ErrNoDocuments {
		return nil, apierrors.NotFound("contract not found", err)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Insert creates a new contract document.
func (r *ContractRepository) Insert(ctx context.Context, c *Contract) error {
	_, err := r.col.InsertOne(ctx, c)
	return err
}

// AppendVersion appends a new version to the contract and updates its
// current body/fingerprint, per the append-only lifecycle (§3).
func (r *ContractRepository) AppendVersion(ctx context.Context, tenantID, contractID string, v Version) error {
	_, err := r.col.UpdateOne(ctx,
		bson.M{"_id": contractID, "tenantId": tenantID},
		bson.M{
			"$push": bson.M{"versions": v},
			"$set":  bson.M{"body": v.Body, "fingerprint": v.Fingerprint},
		},
	)
	return err
}

// UpdateExtractedFields writes AI-extracted dates/parties, never
// overwriting existing non-empty values with empties (§4.6 step 4c).
func (r *ContractRepository) UpdateExtractedFields(ctx context.Context, contractID string, effectiveAt, expiryAt, renewalAt *time.Time, parties []string) error {
	set := bson.M{}
	if effectiveAt != nil {
		set["effectiveAt"] = *effectiveAt
	}
	if expiryAt != nil {
		set["expiryAt"] = *expiryAt
	}
	if renewalAt != nil {
		set["renewalAt"] = *renewalAt
	}
	if len(parties) > 0 {
		set["parties"] = parties
	}
	if len(set) == 0 {
		return nil
	}
	_, err := r.col.UpdateOne(ctx, bson.M{"_id": contractID}, bson.M{"$set": set})
	return err
}

// AppendAlertIfAbsent atomically appends rec to alertsSent only if no
// record for rec.Threshold already exists, guaranteeing at-most-once
// firing per (contract, threshold) even across concurrent scheduler runs.
// Returns true iff this call actually appended the record.
func (r *ContractRepository) AppendAlertIfAbsent(ctx context.Context, contractID string, rec AlertRecord) (bool, error) {
	res, err := r.col.UpdateOne(ctx,
		bson.M{
			"_id":        contractID,
			"alertsSent": bson.M{"$not": bson.M{"$elemMatch": bson.M{"threshold": rec.Threshold}}},
		},
		bson.M{"$push": bson.M{"alertsSent": rec}},
	)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount == 1, nil
}

// ListExpiringCandidates returns every non-deleted contract with a
// non-null expiryAt, for the daily scheduler to scan. Materializing the
// full candidate set (rather than handing back a live cursor) keeps the
// scheduler's scan logic a plain function of a slice, decoupled from the
// driver's streaming API.
func (r *ContractRepository) ListExpiringCandidates(ctx context.Context) ([]Contract, error) {
	cur, err := r.col.Find(ctx, bson.M{
		"deleted":  false,
		"expiryAt": bson.M{"$ne": nil},
	}, options.Find())
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var contracts []Contract
	if err := cur.All(ctx, &contracts); err != nil {
		return nil, err
	}
	return contracts, nil
}
