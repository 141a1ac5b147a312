package types

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInvalidTier is returned for a tier descriptor that breaks its invariants.
	ErrInvalidTier = errors.New("invalid tier")
	// ErrInvalidPlan is returned for a plan index outside {0,1,2}.
	ErrInvalidPlan = errors.New("invalid plan")
)

// DefaultCollection is the NFT collection every built-in tier draws from.
var DefaultCollection = common.HexToAddress("0x106fb804D03D4EA95CaeFA45C3215b57D8E6835D")

// Plan selects a lock duration and yield at stake time. Durations live in the
// contract; the hints below are for display only.
type Plan uint8

const (
	Plan3Months  Plan = 0
	Plan6Months  Plan = 1
	Plan12Months Plan = 2
)

// Plans lists every valid plan in selector order.
var Plans = []Plan{Plan3Months, Plan6Months, Plan12Months}

// Valid reports whether p is a known plan index.
func (p Plan) Valid() bool {
	return p <= Plan12Months
}

// Label is the selector text.
func (p Plan) Label() string {
	switch p {
	case Plan3Months:
		return "3 MO"
	case Plan6Months:
		return "6 MO"
	case Plan12Months:
		return "12 MO"
	}
	return fmt.Sprintf("plan %d", uint8(p))
}

// DurationHint is the advertised lock length. Stake.LockEndTime is authoritative.
func (p Plan) DurationHint() time.Duration {
	day := 24 * time.Hour
	switch p {
	case Plan3Months:
		return 90 * day
	case Plan6Months:
		return 180 * day
	case Plan12Months:
		return 365 * day
	}
	return 0
}

// YieldHint is the advertised monthly yield.
func (p Plan) YieldHint() string {
	switch p {
	case Plan3Months:
		return "10%"
	case Plan6Months:
		return "12%"
	case Plan12Months:
		return "15%"
	}
	return ""
}

// ParsePlan accepts "0", "1", "2" or the labels "3", "6", "12" (with optional "mo").
func ParsePlan(s string) (Plan, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSuffix(strings.TrimSuffix(s, "mo"), " ")
	switch s {
	case "0", "3":
		return Plan3Months, nil
	case "1", "6":
		return Plan6Months, nil
	case "2", "12":
		return Plan12Months, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidPlan, s)
}

// TierDescriptor parameterizes one tier page: a collection, an inclusive
// token-id range, and the plan preselected for new stakes.
type TierDescriptor struct {
	Name        string         `yaml:"name" json:"name"`
	Slug        string         `yaml:"slug" json:"slug"`
	Collection  common.Address `yaml:"-" json:"collection"`
	IDMin       uint32         `yaml:"id_min" json:"idMin"`
	IDMax       uint32         `yaml:"id_max" json:"idMax"`
	DefaultPlan Plan           `yaml:"default_plan" json:"defaultPlan"`
}

// Validate checks idMin ≤ idMax, a non-zero collection and a known plan.
func (t TierDescriptor) Validate() error {
	if t.Slug == "" {
		return fmt.Errorf("%w: empty slug", ErrInvalidTier)
	}
	if t.IDMin > t.IDMax {
		return fmt.Errorf("%w: %s id range [%d, %d] is empty", ErrInvalidTier, t.Slug, t.IDMin, t.IDMax)
	}
	if t.Collection == (common.Address{}) {
		return fmt.Errorf("%w: %s has zero collection address", ErrInvalidTier, t.Slug)
	}
	if !t.DefaultPlan.Valid() {
		return fmt.Errorf("%w: %s default plan %d", ErrInvalidPlan, t.Slug, t.DefaultPlan)
	}
	return nil
}

// Contains reports whether id falls inside [IDMin, IDMax].
func (t TierDescriptor) Contains(id *big.Int) bool {
	if id == nil || id.Sign() < 0 || !id.IsUint64() {
		return false
	}
	v := id.Uint64()
	return v >= uint64(t.IDMin) && v <= uint64(t.IDMax)
}

// Owns reports whether (collection, id) belongs to this tier.
func (t TierDescriptor) Owns(collection common.Address, id *big.Int) bool {
	return collection == t.Collection && t.Contains(id)
}

// BuiltinTiers returns the compile-time tier table in display order.
func BuiltinTiers() []TierDescriptor {
	return []TierDescriptor{
		{Name: "Starter", Slug: "starter", Collection: DefaultCollection, IDMin: 1, IDMax: 1_000_000, DefaultPlan: Plan3Months},
		{Name: "Basic", Slug: "basic", Collection: DefaultCollection, IDMin: 1_000_001, IDMax: 2_000_000, DefaultPlan: Plan3Months},
		{Name: "Standard", Slug: "standard", Collection: DefaultCollection, IDMin: 2_000_001, IDMax: 3_000_000, DefaultPlan: Plan6Months},
		{Name: "VIP", Slug: "vip", Collection: DefaultCollection, IDMin: 3_000_001, IDMax: 4_000_000, DefaultPlan: Plan6Months},
		{Name: "Premium", Slug: "premium", Collection: DefaultCollection, IDMin: 4_000_001, IDMax: 5_000_000, DefaultPlan: Plan12Months},
		{Name: "Diamond", Slug: "diamond", Collection: DefaultCollection, IDMin: 5_000_001, IDMax: 6_000_000, DefaultPlan: Plan12Months},
	}
}

// FindTier looks a tier up by slug (case-insensitive).
func FindTier(tiers []TierDescriptor, slug string) (TierDescriptor, bool) {
	slug = strings.ToLower(slug)
	for _, t := range tiers {
		if t.Slug == slug {
			return t, true
		}
	}
	return TierDescriptor{}, false
}

// ShortAddress renders 0x1234…abcd for headers.
func ShortAddress(addr common.Address) string {
	s := addr.Hex()
	return s[:6] + "…" + s[len(s)-4:]
}
