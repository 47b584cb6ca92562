package ensemble

import (
	"fmt"
	"math/rand"
)

// Combiner variant names, the closed set accepted by New. Adding a strategy
// means adding a case here and nowhere else.
const (
	VariantWeightedSum       = "weighted_sum"
	VariantLogitsTransformer = "logits_transformer"
	VariantGatedMoE          = "gated_moe"
	VariantAdaBoost          = "adaboost"
	VariantSoftVoting        = "soft_voting"
)

// Combiner merges per-member logits into combined logits. Combine and
// Backward are strictly paired; Backward returns the gradient routed to each
// member's logits and accumulates the combiner's own parameter gradients.
type Combiner interface {
	Name() string
	NumMembers() int
	Combine(memberLogits [][][]float32) ([][]float32, error)
	Backward(dCombined [][]float32) ([][][]float32, error)
	Parameters() []*Param
}

// NewCombiner builds the named variant for a fixed member count and logits
// width. Member-count constraints (the gated mixture is pairwise) are
// enforced here, at construction; per-batch shape agreement is enforced on
// the first Combine.
func NewCombiner(variant string, numMembers, numLabels int, rng *rand.Rand) (Combiner, error) {
	if numMembers < 1 {
		return nil, fmt.Errorf("combiner %q: need at least 1 member, got %d", variant, numMembers)
	}
	if numLabels < 1 {
		return nil, fmt.Errorf("combiner %q: need at least 1 label, got %d", variant, numLabels)
	}
	switch variant {
	case VariantWeightedSum:
		return newWeightedSum(numMembers, numLabels), nil
	case VariantLogitsTransformer:
		return newLogitsTransformer(numMembers, numLabels, rng), nil
	case VariantGatedMoE:
		if numMembers != 2 {
			return nil, fmt.Errorf("combiner %q: gated mixture is pairwise, got %d members", variant, numMembers)
		}
		return newGatedMoE(numLabels, rng), nil
	case VariantAdaBoost:
		return newAdaBoost(numMembers, numLabels), nil
	case VariantSoftVoting:
		return newSoftVoting(numMembers, numLabels), nil
	default:
		return nil, fmt.Errorf("unknown combiner variant %q", variant)
	}
}

// checkMemberLogits validates member count and that every member produced
// the same [batch][labels] shape. Disagreement is a fatal configuration
// error, not something to paper over.
func checkMemberLogits(name string, memberLogits [][][]float32, numMembers, numLabels int) (int, error) {
	if len(memberLogits) != numMembers {
		return 0, fmt.Errorf("%s: got logits from %d members, want %d", name, len(memberLogits), numMembers)
	}
	batch := len(memberLogits[0])
	for i, ml := range memberLogits {
		if err := checkBatchShape(fmt.Sprintf("%s member %d", name, i), ml, batch, numLabels); err != nil {
			return 0, err
		}
	}
	return batch, nil
}
